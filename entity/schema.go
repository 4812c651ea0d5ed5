package entity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/entitysync/errors"
	"github.com/c360/entitysync/patch"
)

// TempPrefix marks identifiers assigned locally before the server confirms a
// record.
const TempPrefix = "tmp-"

// NewTempID returns a fresh temporary identifier.
func NewTempID() string {
	return TempPrefix + uuid.New().String()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Schema describes how stores read and write the identity and server
// revision of a record type.
type Schema[T any] struct {
	// Name identifies the entity type in logs, metrics and channel names.
	Name string
	// ID returns the record identifier.
	ID func(T) string
	// SetID writes the record identifier.
	SetID func(*T, string)
	// Revision returns the server revision, used to ignore stale pushes.
	// Optional; without it every push is applied.
	Revision func(T) uint64
	// SetRevision writes the server revision. Optional; backends that
	// assign revisions need it.
	SetRevision func(*T, uint64)
	// Validator checks drafts before they become visible. Optional.
	Validator *patch.Validator
}

// Validate checks that the required accessors are present.
func (s Schema[T]) Validate() error {
	switch {
	case s.Name == "":
		return errors.WrapInvalid(fmt.Errorf("schema name is empty"), "Schema", "Validate", "check name")
	case s.ID == nil:
		return errors.WrapInvalid(fmt.Errorf("schema %s has no ID accessor", s.Name), "Schema", "Validate", "check accessors")
	case s.SetID == nil:
		return errors.WrapInvalid(fmt.Errorf("schema %s has no SetID accessor", s.Name), "Schema", "Validate", "check accessors")
	}
	return nil
}

// RevisionOf returns the record revision, or zero without an accessor.
func (s Schema[T]) RevisionOf(v T) uint64 {
	if s.Revision == nil {
		return 0
	}
	return s.Revision(v)
}

// WithRevision returns v with its revision set, when the schema can.
func (s Schema[T]) WithRevision(v T, rev uint64) T {
	if s.SetRevision != nil {
		s.SetRevision(&v, rev)
	}
	return v
}

// WithID returns v with its identifier set.
func (s Schema[T]) WithID(v T, id string) T {
	s.SetID(&v, id)
	return v
}
