// Package migrations embeds the PostgreSQL schema for the importer so the
// binary can migrate a database without a checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
