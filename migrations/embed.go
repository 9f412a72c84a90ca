// Package migrations embeds the aquacore schema into the binary.
//
// Importing it for side effects registers the files with the database
// package:
//
//	import _ "github.com/futurefish/aquacore/migrations"
package migrations

import (
	"embed"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
