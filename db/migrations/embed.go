// Package dbmigrations exposes embedded SQL migrations for the settlement binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the settlement binaries.
//
//go:embed *.sql
var Files embed.FS
