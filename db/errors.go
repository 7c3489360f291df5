package db

import (
	"strings"

	"github.com/teranos/crmsync/errors"
)

// ErrDatabaseClosed is returned when the journal is used after shutdown
// closed its connection.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is closed.
// The sql driver returns its own error values, so raw messages are
// matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
