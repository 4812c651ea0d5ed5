package patch

import (
	"encoding/json"

	"github.com/c360/entitysync/errors"
)

// Encode marshals a record into a JSON document.
func Encode[T any](v T) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "patch", "Encode", "marshal record")
	}
	return doc, nil
}

// Decode unmarshals a JSON document into a new record.
func Decode[T any](doc []byte) (T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, errors.WrapInvalid(err, "patch", "Decode", "unmarshal record")
	}
	return v, nil
}

// Clone deep-copies a record through its JSON form.
func Clone[T any](v T) (T, error) {
	doc, err := Encode(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](doc)
}
