package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Encode marshals v as JSON into a Record carrying the given version.
func Encode(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version}, nil
}

// Decode unmarshals a JSON Record into v.
func Decode(rec *Record, v any) error {
	if rec == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
