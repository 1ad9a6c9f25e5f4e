// Package fsbatch carries the embedded database migrations so the
// create-tables command can run them from the binary without external files.
package fsbatch

import "embed"

// Migrations holds the per-job goose migration directories.
//
//go:embed migrations
var Migrations embed.FS
