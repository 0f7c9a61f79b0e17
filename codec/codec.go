// Package codec centralizes payload encoding for persisted claim data.
//
// Log files and snapshots are self-describing: they record the codec name in
// their header, and the appropriate codec is selected by name on open. This
// makes codec selection a compatibility boundary rather than a silent
// corruption source.
package codec

import "fmt"

// Codec encodes and decodes claim payloads.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a test helper that panics on encode failure.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
