package migrations

import (
	_ "embed"

	"github.com/marketmirror/dexindexer/internal/db"
)

//go:embed 001_orders.sql
var mig001 string

//go:embed 002_trades.sql
var mig002 string

//go:embed 003_sync_checkpoints.sql
var mig003 string

func RunMigrations(dbPath string) error {
	migrations := []db.Migration{
		{
			ID:  "001_orders.sql",
			SQL: mig001,
		},
		{
			ID:  "002_trades.sql",
			SQL: mig002,
		},
		{
			ID:  "003_sync_checkpoints.sql",
			SQL: mig003,
		},
	}

	return db.RunMigrations(dbPath, migrations)
}
