// Package encoding provides the marshaling used to persist transaction log
// payloads and captured pre-images as byte arrays.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// Global Default marshaller.
var DefaultMarshaler = NewMarshaler()

// Global PayloadMarshaler takes care of packing and unpacking log payloads & pre-images to/from byte array.
// You can replace with your desired Marshaler implementation if needed. Defaults to use JSON Marshal.
var PayloadMarshaler = DefaultMarshaler

type defaultMarshaler struct{}

// Returns the default marshaller which uses the golang's json package.
// Json encoding was chosen as default because pre-images and log payloads are
// row/property maps of mixed value types, which json round-trips without the
// caller having to register concrete types per entity.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal that can do byte array pass-through.
func Marshal[T any](v T) ([]byte, error) {
	switch any(v).(type) {
	case *[]byte:
		var intf interface{}
		var v2 interface{} = v
		var ba *[]byte = v2.(*[]byte)
		intf = *ba
		return intf.([]byte), nil
	case []byte:
		var intf interface{}
		intf = v
		return intf.([]byte), nil
	default:
		return PayloadMarshaler.Marshal(v)
	}
}

// Unmarshal that can do byte array pass-through.
func Unmarshal[T any](ba []byte, v *T) error {
	switch any(v).(type) {
	case *[]byte:
		var intf interface{}
		intf = ba
		*v = intf.(T)
		return nil
	case []byte:
		var intf interface{}
		intf = ba
		*v = intf.(T)
		return nil
	default:
		if err := PayloadMarshaler.Unmarshal(ba, v); err != nil {
			return err
		}
		return nil
	}
}
