package duet

// KeyValuePair is a tuple, 'used in places where the caller needs to carry a
// key together with its value, e.g. pre-image payloads keyed by entity key.
type KeyValuePair[TK any, TV any] struct {
	// Key is the key part in the pair.
	Key TK
	// Value is the value part in the pair.
	Value TV
}
