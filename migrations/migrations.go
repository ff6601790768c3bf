// Package migrations embeds the SQL schema so cmd/migrate can apply it
// through golang-migrate's iofs source without shipping files alongside the
// binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
