// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteCode returns the primary result code of a driver error, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended codes carry the primary code in the low byte.
		return se.Code() & 0xff
	}
	return 0
}

// IsSQLiteBusyError reports a SQLITE_BUSY error.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqlite3.SQLITE_BUSY || strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports a SQLITE_LOCKED or "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return sqliteCode(err) == sqlite3.SQLITE_LOCKED || strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports either form of lock contention. Both are
// transient and worth retrying.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
