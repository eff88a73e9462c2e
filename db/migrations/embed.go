// Package dbmigrations exposes embedded SQL migrations for the fleet binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into fleet binaries.
//
//go:embed *.sql
var Files embed.FS
