package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/db"
	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
)

// dbPathFlag is the root --db override, bound by AddGlobalFlags.
var dbPathFlag string

// jsonLogsFlag is the root --json-logs toggle, bound by AddGlobalFlags.
var jsonLogsFlag bool

// AddGlobalFlags binds flags shared by every subcommand to the root command.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides configuration)")
	root.PersistentFlags().BoolVar(&jsonLogsFlag, "json-logs", false, "Emit logs as JSON")
}

// JSONLogs reports whether --json-logs was given.
func JSONLogs() bool {
	return jsonLogsFlag
}

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, the --db flag and then the configuration decide.
// Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = dbPathFlag
	}
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
