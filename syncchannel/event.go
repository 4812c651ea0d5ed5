// Package syncchannel binds one named real-time channel to one collection
// store: it decodes push frames into Events and hands them to a Sink.
package syncchannel

import (
	"encoding/json"
	"fmt"

	"github.com/c360/entitysync/errors"
)

// Action tags a sync event.
type Action string

// Sync event actions.
const (
	ActionAppend     Action = "APPEND"
	ActionDelete     Action = "DELETE"
	ActionUpdate     Action = "UPDATE"
	ActionInvalidate Action = "INVALIDATE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAppend, ActionDelete, ActionUpdate, ActionInvalidate:
		return true
	}
	return false
}

// Event is a push notification describing a remote change. Payload may embed
// full records for some or all of IDs; an INVALIDATE with no IDs covers the
// whole collection.
type Event struct {
	Action  Action            `json:"action"`
	IDs     []string          `json:"ids,omitempty"`
	Payload []json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the action and that every non-INVALIDATE event names at
// least one identifier.
func (e Event) Validate() error {
	if !e.Action.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown action %q", e.Action), "Event", "Validate", "check action")
	}
	if e.Action != ActionInvalidate && len(e.IDs) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%s event without ids", e.Action), "Event", "Validate", "check ids")
	}
	for _, id := range e.IDs {
		if id == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%s event with empty id", e.Action), "Event", "Validate", "check ids")
		}
	}
	return nil
}

// Encode marshals and validates an event for the wire.
func (e Event) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Encode", "marshal event")
	}
	return data, nil
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Event", "Decode", "unmarshal frame")
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
