package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalDeterministic serializes a value as deterministic JSON: object
// keys sorted lexicographically at every level, no whitespace, UTF-8.
// A value round-tripped through Unmarshal and MarshalDeterministic
// produces byte-identical output.
func MarshalDeterministic(v interface{}) ([]byte, error) {
	decoded, err := reparse(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}

// CanonicalMarshal produces the signing input for a message: the
// deterministic encoding of v with the top-level "sig" field removed.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	decoded, err := reparse(v)
	if err != nil {
		return nil, err
	}
	if obj, ok := decoded.(map[string]interface{}); ok {
		delete(obj, "sig")
	}
	return json.Marshal(decoded)
}

// reparse flattens a value into generic JSON types. Numbers are kept as
// json.Number so integer timestamps survive the round trip verbatim, and
// encoding/json emits map keys in sorted order.
func reparse(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to reparse message: %w", err)
	}
	return decoded, nil
}
