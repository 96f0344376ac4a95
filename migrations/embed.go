// Package migrations embeds the SQLite schema into the binary.
//
// Import it for side effects wherever the database is opened:
//
//	import _ "github.com/FdxDelveloper/iot-walkthrough/migrations"
package migrations

import (
	"embed"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
