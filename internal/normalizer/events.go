package normalizer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures of the exchange contract. None of the parameters are
// indexed, so every log carries exactly one topic (the signature) and
// all fields sit in the data section as 32-byte words.
const (
	orderEventSig  = "Order(address,uint256,address,uint256,uint256,uint256,address)"
	cancelEventSig = "Cancel(address,uint256,address,uint256,uint256,uint256,address,uint8,bytes32,bytes32)"
	tradeEventSig  = "Trade(address,uint256,address,uint256,address,address)"
)

var (
	// OrderTopic is the keccak hash of the Order event signature.
	OrderTopic = crypto.Keccak256Hash([]byte(orderEventSig))

	// CancelTopic is the keccak hash of the Cancel event signature.
	CancelTopic = crypto.Keccak256Hash([]byte(cancelEventSig))

	// TradeTopic is the keccak hash of the Trade event signature.
	TradeTopic = crypto.Keccak256Hash([]byte(tradeEventSig))
)

const wordSize = 32

const (
	orderDataWords  = 7  // tokenGet, amountGet, tokenGive, amountGive, expires, nonce, user
	cancelDataWords = 10 // the order words plus v, r, s
	tradeDataWords  = 6  // tokenGet, amountGet, tokenGive, amountGive, get, give
)

// rawOrder holds the decoded words shared by Order and Cancel events.
type rawOrder struct {
	TokenGet   common.Address
	AmountGet  string
	TokenGive  common.Address
	AmountGive string
	Expires    string
	Nonce      string
	User       common.Address
}

// rawTrade holds the decoded words of a Trade event. The contract names
// the last two parameters get/give; get is the resting order's owner
// (the maker) and give is the transaction sender (the taker).
type rawTrade struct {
	TokenGet   common.Address
	AmountGet  string
	TokenGive  common.Address
	AmountGive string
	Maker      common.Address
	Taker      common.Address
}

func word(data []byte, i int) []byte {
	return data[i*wordSize : (i+1)*wordSize]
}

func addressWord(data []byte, i int) common.Address {
	return common.BytesToAddress(word(data, i))
}

func uintWord(data []byte, i int) string {
	return new(big.Int).SetBytes(word(data, i)).String()
}

func decodeOrderWords(log *types.Log, minWords int) (*rawOrder, error) {
	if len(log.Data) < minWords*wordSize {
		return nil, fmt.Errorf("expected at least %d bytes of data, got %d",
			minWords*wordSize, len(log.Data))
	}

	return &rawOrder{
		TokenGet:   addressWord(log.Data, 0),
		AmountGet:  uintWord(log.Data, 1),
		TokenGive:  addressWord(log.Data, 2),
		AmountGive: uintWord(log.Data, 3),
		Expires:    uintWord(log.Data, 4),
		Nonce:      uintWord(log.Data, 5),
		User:       addressWord(log.Data, 6),
	}, nil
}

// decodeOrder parses an Order event from a log.
func decodeOrder(log *types.Log) (*rawOrder, error) {
	return decodeOrderWords(log, orderDataWords)
}

// decodeCancel parses a Cancel event from a log. The trailing v/r/s
// signature words are not needed to identify the cancelled order.
func decodeCancel(log *types.Log) (*rawOrder, error) {
	return decodeOrderWords(log, cancelDataWords)
}

// decodeTrade parses a Trade event from a log.
func decodeTrade(log *types.Log) (*rawTrade, error) {
	if len(log.Data) < tradeDataWords*wordSize {
		return nil, fmt.Errorf("expected at least %d bytes of data, got %d",
			tradeDataWords*wordSize, len(log.Data))
	}

	return &rawTrade{
		TokenGet:   addressWord(log.Data, 0),
		AmountGet:  uintWord(log.Data, 1),
		TokenGive:  addressWord(log.Data, 2),
		AmountGive: uintWord(log.Data, 3),
		Maker:      addressWord(log.Data, 4),
		Taker:      addressWord(log.Data, 5),
	}, nil
}
