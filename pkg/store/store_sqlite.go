//go:build !cgo

package store

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

// The pure-Go driver serves local files only.
const remoteSupported = false

func init() {
	sql.Register(driverLibsql, &sqlite.Driver{})
}
