package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// encodeStrings marshals a string slice for a TEXT column. nil encodes as
// an empty array so the column never holds SQL NULL.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeStrings unmarshals a TEXT column into a string slice.
func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// encodeMap marshals a generic object for a TEXT column. nil encodes as an
// empty object.
func encodeMap(values map[string]any) (string, error) {
	if values == nil {
		values = map[string]any{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeMap unmarshals a TEXT column into a generic object.
func decodeMap(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// nullString maps an optional Go string to a nullable column. Empty means
// absent.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
