package common

const (
	ComponentDriver     = "driver"
	ComponentLogFetcher = "log-fetcher"
	ComponentNormalizer = "normalizer"
	ComponentStore      = "store"
	ComponentCheckpoint = "checkpoint"
	ComponentRPC        = "rpc"
)

var AllComponents = map[string]struct{}{
	ComponentDriver:     {},
	ComponentLogFetcher: {},
	ComponentNormalizer: {},
	ComponentStore:      {},
	ComponentCheckpoint: {},
	ComponentRPC:        {},
}
