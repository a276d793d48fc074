package layerfs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores for missing paths. Tree lookups
	// report it as a nil node instead.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a name that already resolves
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState is returned for operations on deleted or invalidated nodes
	ErrInvalidState = errors.New("invalid node")
	// ErrAlreadyLocked is returned when a conflicting stream or lock is outstanding
	ErrAlreadyLocked = errors.New("already locked")
	// ErrVetoed is returned when a veto listener rejects a change
	ErrVetoed = errors.New("change vetoed")
	// ErrReadOnly is returned when a mutation targets a read-only store
	ErrReadOnly = errors.New("read-only store")
)

// IOError wraps a backing store failure. Message is meant for people,
// Error() for logs.
type IOError struct {
	Op      string
	Path    string
	Message string
	Err     error
}

// NewIOError wraps err with a default human readable message.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{
		Op:      op,
		Path:    path,
		Message: fmt.Sprintf("Cannot %s %q.", op, displayPath(path)),
		Err:     err,
	}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, displayPath(e.Path), e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// UserMessage returns the human readable message of e.
func (e *IOError) UserMessage() string {
	return e.Message
}

// VetoError is returned when a veto listener rejects a property change.
type VetoError struct {
	Property string
	Reason   string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("change of %s vetoed: %s", e.Property, e.Reason)
}

func (e *VetoError) Unwrap() error {
	return ErrVetoed
}

// UserMessage extracts the first human readable message in err's chain,
// falling back to err.Error().
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) && ioErr.Message != "" {
		return ioErr.Message
	}
	var veto *VetoError
	if errors.As(err, &veto) && veto.Reason != "" {
		return veto.Reason
	}
	return err.Error()
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
