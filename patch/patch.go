// Package patch applies field-path edits to JSON documents and records the
// edits as reversible operations.
//
// Paths use gjson/sjson syntax: dot separated keys with numeric segments
// indexing arrays ("name", "owner.email", "nodes.0.label").
package patch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/c360/entitysync/errors"
)

// Patch is a single edit: set Value at Path, or remove Path when Remove is true.
type Patch struct {
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// Set returns a patch that writes value at path.
func Set(path string, value any) Patch {
	return Patch{Path: path, Value: value}
}

// Unset returns a patch that removes path.
func Unset(path string) Patch {
	return Patch{Path: path, Remove: true}
}

// Operation records one applied edit. Prev is absent when the path did not
// exist before; Next is absent when the edit removed it.
type Operation struct {
	Path  string          `json:"path"`
	Prev  json.RawMessage `json:"prev,omitempty"`
	Next  json.RawMessage `json:"next,omitempty"`
	At    time.Time       `json:"at"`
	Local bool            `json:"local,omitempty"`
}

// Patch converts the operation back into the edit that produced it.
func (op Operation) Patch() Patch {
	if op.Next == nil {
		return Unset(op.Path)
	}
	return Set(op.Path, op.Next)
}

// Inverse returns the edit that undoes the operation.
func (op Operation) Inverse() Patch {
	if op.Prev == nil {
		return Unset(op.Path)
	}
	return Set(op.Path, op.Prev)
}

// Get returns the raw JSON stored at path.
func Get(doc []byte, path string) (json.RawMessage, bool) {
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return json.RawMessage(res.Raw), true
}

// Apply applies patches in order to a copy of doc and returns the new
// document plus one Operation per patch. doc is never modified.
func Apply(doc []byte, patches []Patch, at time.Time, local bool) ([]byte, []Operation, error) {
	if !json.Valid(doc) {
		return nil, nil, errors.WrapInvalid(errors.ErrInvalidData, "patch", "Apply", "parse document")
	}

	out := append([]byte(nil), doc...)
	ops := make([]Operation, 0, len(patches))
	for i, p := range patches {
		if p.Path == "" {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("patch %d: empty path", i), "patch", "Apply", "validate path")
		}

		prev, _ := Get(out, p.Path)

		var err error
		if p.Remove {
			out, err = sjson.DeleteBytes(out, p.Path)
		} else {
			var raw []byte
			raw, err = encodeValue(p.Value)
			if err == nil {
				out, err = sjson.SetRawBytes(out, p.Path, raw)
			}
		}
		if err != nil {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("patch %d at %q: %w", i, p.Path, err), "patch", "Apply", "apply patch")
		}

		next, _ := Get(out, p.Path)
		ops = append(ops, Operation{
			Path:  p.Path,
			Prev:  cloneRaw(prev),
			Next:  cloneRaw(next),
			At:    at,
			Local: local,
		})
	}
	return out, ops, nil
}

// Replay re-applies recorded operations to doc, in order.
func Replay(doc []byte, ops []Operation) ([]byte, error) {
	patches := make([]Patch, len(ops))
	for i, op := range ops {
		patches[i] = op.Patch()
	}
	out, _, err := Apply(doc, patches, time.Time{}, false)
	return out, err
}

func encodeValue(v any) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, errors.ErrInvalidData
		}
		return raw, nil
	default:
		return json.Marshal(v)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
