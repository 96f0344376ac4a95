package valuestore

import "errors"

var (
	// ErrUnsupportedValueType is returned for a value that is not a string,
	// number, or boolean. The offending key is skipped; other keys in the
	// same batch are still applied.
	ErrUnsupportedValueType = errors.New("valuestore: unsupported value type")

	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("valuestore: empty key")
)
