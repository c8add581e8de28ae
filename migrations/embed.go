// Package migrations embeds the SQLite schema migrations into the binary.
//
// Importing this package (usually for side effects) registers the files
// with the database package, so thermostatd can migrate a fresh database
// without any SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
