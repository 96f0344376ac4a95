package valuestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind names the scalar type of a stored value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
)

// Normalize converts v to one of the three stored representations: string,
// float64 or bool. Every integer and float type becomes float64, as does a
// json.Number. Anything else, including nil, is ErrUnsupportedValueType.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedValueType, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
	}
}

// Encode renders a normalized value as (kind, text) for storage.
func Encode(v any) (Kind, string, error) {
	switch x := v.(type) {
	case string:
		return KindString, x, nil
	case float64:
		return KindNumber, strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return KindBool, strconv.FormatBool(x), nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
	}
}

// Decode is the inverse of Encode.
func Decode(kind Kind, text string) (any, error) {
	switch kind {
	case KindString:
		return text, nil
	case KindNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding number %q: %w", text, err)
		}
		return f, nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("decoding bool %q: %w", text, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedValueType, kind)
	}
}

// equal compares two normalized values. NaN equals NaN so that repeated
// NaN readings do not count as changes.
func equal(a, b any) bool {
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok && math.IsNaN(fa) && math.IsNaN(fb) {
		return true
	}
	return a == b
}
