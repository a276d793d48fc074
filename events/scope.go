package events

import (
	"reflect"

	"github.com/google/uuid"
)

// Scope identifies one begin/end pair of an atomic action. Scopes are
// linked to the enclosing action so an event fired deep inside nested
// actions can still be attributed to the outermost token.
type Scope struct {
	ID       uuid.UUID
	Token    any
	Parent   *Scope
	Priority bool
	Async    bool
}

// Within reports whether token belongs to s or any enclosing scope.
// Tokens are compared by identity, so pass pointers.
func (s *Scope) Within(token any) bool {
	if token == nil {
		return false
	}
	for c := s; c != nil; c = c.Parent {
		if sameToken(c.Token, token) {
			return true
		}
	}
	return false
}

// Depth returns the number of scopes from s to the outermost one.
func (s *Scope) Depth() int {
	n := 0
	for c := s; c != nil; c = c.Parent {
		n++
	}
	return n
}

func sameToken(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
