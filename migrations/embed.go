// Package migrations holds the relay's SQL schema: the command and obstacle
// status tables, the device directory and the event ledger.
//
// Importing it for side effects makes the files available to Migrate:
//
//	import _ "github.com/nerrad567/carrelay/migrations"
package migrations

import (
	"embed"

	"github.com/nerrad567/carrelay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
