// Package appfs exposes embedded application assets (database migrations).
package appfs

import "embed"

//go:embed migrations/*.sql
var FS embed.FS
