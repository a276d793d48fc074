// Package events implements change-event delivery for the virtual tree:
// listener registries, atomic actions that suspend and batch delivery, and
// the debounced background queue for asynchronous actions.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind tags which variant an [Event] is.
type Kind uint8

const (
	FolderCreated Kind = iota + 1
	DataCreated
	Deleted
	Renamed
	Changed
	AttributeChanged
)

func (k Kind) String() string {
	switch k {
	case FolderCreated:
		return "FolderCreated"
	case DataCreated:
		return "DataCreated"
	case Deleted:
		return "Deleted"
	case Renamed:
		return "Renamed"
	case Changed:
		return "Changed"
	case AttributeChanged:
		return "AttributeChanged"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Subject is the file or folder an event is about.
type Subject interface {
	Path() string
}

// Event describes one change. Only the fields relevant to Kind are set:
// OldName/OldExt for Renamed, Attr/OldValue/NewValue for AttributeChanged.
type Event struct {
	Kind Kind
	// File is the node that changed.
	File Subject
	// Source is the node the receiving listener is attached to. Tree-wide
	// listeners see Source == File.
	Source Subject
	// Expected is true when the change was made through the tree rather than
	// discovered by a refresh.
	Expected bool
	Time     time.Time

	OldName string
	OldExt  string

	Attr     string
	OldValue any
	NewValue any

	scope *Scope
	post  *postActions
}

// NewEvent returns an event of kind about file, stamped with the current time.
func NewEvent(kind Kind, file Subject, expected bool) *Event {
	return &Event{
		Kind:     kind,
		File:     file,
		Source:   file,
		Expected: expected,
		Time:     time.Now(),
		post:     &postActions{keys: make(map[string]struct{})},
	}
}

// Scope returns the atomic action scope the event was fired in, or nil.
func (e *Event) Scope() *Scope {
	return e.scope
}

// FiredFrom reports whether the event was fired inside an atomic action
// begun with token (directly or through a nested action).
func (e *Event) FiredFrom(token any) bool {
	return e.scope.Within(token)
}

// RunWhenDeliveryOver registers fn to run once after the batch containing
// this event has been delivered to every listener. Registrations with the
// same key across the batch run only once.
func (e *Event) RunWhenDeliveryOver(key string, fn func()) {
	if e.post == nil {
		return
	}
	e.post.add(key, fn)
}

func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString("[")
	if e.File != nil {
		b.WriteString(e.File.Path())
	}
	switch e.Kind {
	case Renamed:
		oldName := e.OldName
		if e.OldExt != "" {
			oldName += "." + e.OldExt
		}
		fmt.Fprintf(&b, ", old=%s", oldName)
	case AttributeChanged:
		fmt.Fprintf(&b, ", attr=%s, old=%v, new=%v", e.Attr, e.OldValue, e.NewValue)
	}
	if e.Source != nil && e.Source != e.File {
		fmt.Fprintf(&b, ", source=%s", e.Source.Path())
	}
	if e.Expected {
		b.WriteString(", expected")
	}
	b.WriteString("]")
	return b.String()
}

type postAction struct {
	key string
	fn  func()
}

// postActions is shared by every per-listener copy of one event.
type postActions struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	actions []postAction
}

func (p *postActions) add(key string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keys[key]; ok {
		return
	}
	p.keys[key] = struct{}{}
	p.actions = append(p.actions, postAction{key: key, fn: fn})
}

func (p *postActions) take() []postAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	actions := p.actions
	p.actions = nil
	return actions
}
