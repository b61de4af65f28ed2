// Package json allows for different implementations of JSON serializing.
package json

import (
	"encoding/json"
	"io"
)

// Driver is a JSON implementation. It can be swapped out through Default for
// faster encoders.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	DecodeStream(r io.Reader, v interface{}) error
}

// StdDriver is the encoding/json Driver.
type StdDriver struct{}

func (StdDriver) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (StdDriver) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (StdDriver) DecodeStream(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Default is the driver used by the package-level functions.
var Default Driver = StdDriver{}

// Marshal uses the default driver.
func Marshal(v interface{}) ([]byte, error) { return Default.Marshal(v) }

// Unmarshal uses the default driver.
func Unmarshal(data []byte, v interface{}) error { return Default.Unmarshal(data, v) }

// DecodeStream uses the default driver.
func DecodeStream(r io.Reader, v interface{}) error { return Default.DecodeStream(r, v) }

// Raw is a raw encoded JSON value used to delay decoding of payloads whose
// type depends on a sibling field.
type Raw []byte

// MarshalJSON returns m as the JSON encoding of m.
func (m Raw) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON copies data into m.
func (m *Raw) UnmarshalJSON(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}

func (m Raw) String() string { return string(m) }
