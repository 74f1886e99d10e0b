package connection

import (
	"errors"
	"fmt"

	"github.com/pysugar/ledgersync/internal/db/models"
)

var (
	// ErrRevoked is returned for any token operation on a REVOKED connection.
	ErrRevoked = errors.New("connection: revoked")
	// ErrNotAuthorized is returned when the OAuth flow has not completed yet.
	ErrNotAuthorized = errors.New("connection: not authorized")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("connection: invalid status transition")
)

// ReauthRequiredError means the stored credentials no longer work and the
// user has to reconnect. The connection has already been moved to ERROR.
type ReauthRequiredError struct {
	ConnectionID string
	Err          error
}

func (e *ReauthRequiredError) Error() string {
	return fmt.Sprintf("connection %s requires re-authorization: %v", e.ConnectionID, e.Err)
}

func (e *ReauthRequiredError) Unwrap() error { return e.Err }

var transitions = map[string]map[string]bool{
	models.ConnectionInitiated: {
		models.ConnectionAuthorized: true,
		models.ConnectionRevoked:    true,
	},
	models.ConnectionAuthorized: {
		models.ConnectionAuthorized: true,
		models.ConnectionActive:     true,
		models.ConnectionError:      true,
		models.ConnectionRevoked:    true,
	},
	models.ConnectionActive: {
		models.ConnectionAuthorized: true,
		models.ConnectionActive:     true,
		models.ConnectionError:      true,
		models.ConnectionRevoked:    true,
	},
	models.ConnectionError: {
		models.ConnectionAuthorized: true,
		models.ConnectionActive:     true,
		models.ConnectionError:      true,
		models.ConnectionRevoked:    true,
	},
	// REVOKED is left only through explicit re-authorization.
	models.ConnectionRevoked: {
		models.ConnectionAuthorized: true,
	},
}

// CanTransition reports whether a connection may move from one status to another.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

func transition(conn *models.Connection, to string) error {
	if !CanTransition(conn.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.Status, to)
	}
	conn.Status = to
	return nil
}
