// Package events implements the event publication subsystem shared by
// Caseplane nodes: synchronous in-process fan-out to registered subscribers
// plus best-effort publication to other nodes over a named channel on the
// distributed message service.
package events

import (
	"strings"

	"github.com/caseplane/caseplane/errs"
)

// Source marks where an event originated relative to the receiving node.
type Source string

const (
	// SourceLocal marks events produced on this node.
	SourceLocal Source = "local"
	// SourceRemote marks events received from another node via the message service.
	SourceRemote Source = "remote"
)

// Event is a named state-change notification. The payload is producer-defined
// and opaque to the subsystem; subscription matching uses the name only.
type Event struct {
	Name    string
	Source  Source
	Payload any
}

// New constructs a locally-sourced event.
func New(name string, payload any) *Event {
	return &Event{Name: strings.TrimSpace(name), Source: SourceLocal, Payload: payload}
}

// Validate checks that the event can be published.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("events/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.Name) == "" {
		return errs.New("events/event", errs.CodeInvalid, errs.WithMessage("event name required"))
	}
	return nil
}

// Subscriber receives events it registered interest in. Registration identity
// is the Subscriber value itself, so the same value registered twice for a
// name counts once.
type Subscriber interface {
	HandleEvent(evt *Event)
}
