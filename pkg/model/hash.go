package model

import (
	"crypto/md5" //nolint:gosec // content id, not a security primitive
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashObject returns the content id of an object: the md5 of its canonical
// JSON encoding with the id field removed. encoding/json sorts map keys, so
// equal payloads always hash to the same id.
func HashObject(fields map[string]any) (string, error) {
	stripped := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == FieldID {
			continue
		}
		stripped[k] = v
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("hash object: %w", err)
	}
	sum := md5.Sum(raw) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// EnsureID assigns the content id to fields that do not carry one yet and
// returns the id.
func EnsureID(fields map[string]any) (string, error) {
	if id, ok := fields[FieldID].(string); ok && id != "" {
		return id, nil
	}
	id, err := HashObject(fields)
	if err != nil {
		return "", err
	}
	fields[FieldID] = id
	return id, nil
}
