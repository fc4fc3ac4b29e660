// Package json wraps bytedance/sonic behind the subset of the encoding/json
// API used by this module.
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// api mirrors encoding/json semantics so payloads decode identically on
// platforms where sonic falls back to the standard library.
var api = sonic.ConfigStd

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return api.Valid(data)
}

type (
	RawMessage = stdjson.RawMessage
	Number     = stdjson.Number
)
