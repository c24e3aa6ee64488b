package scenariosync

import (
	"fmt"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
)

var (
	ErrConflict  = errors.New("save conflict")
	ErrNotLoaded = errors.New("no scenario loaded")
	ErrClosed    = errors.New("synchronizer closed")
)

// ConflictError carries the server state that won the hash comparison.
// It is only cleared by ResolveConflict.
type ConflictError struct {
	ScenarioName string
	ServerState  protocol.ScenarioState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"Configuration for %q was changed elsewhere (server hash %s). Keep the server version or overwrite it with your local changes.",
		e.ScenarioName, e.ServerState.Hash,
	)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
