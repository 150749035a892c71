// Package dbmigrations exposes the analytical store's SQL migrations.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
