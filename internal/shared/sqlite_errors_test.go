package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.False(t, IsSQLiteConflictError(nil))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))

	busy := fmt.Errorf("record execution: %w", errors.New("SQLITE_BUSY: database busy"))
	assert.True(t, IsSQLiteBusyError(busy))
	assert.True(t, IsSQLiteConflictError(busy))

	locked := errors.New("database is locked (5)")
	assert.True(t, IsSQLiteLockedError(locked))
	assert.True(t, IsSQLiteConflictError(locked))
}
