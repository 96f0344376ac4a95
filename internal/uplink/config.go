package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

// versionKey is the metadata key carrying the desired-state document version.
const versionKey = "$version"

// ConfigEntry is one remotely configured setting. Value is a string,
// float64 or bool.
type ConfigEntry struct {
	Key   string
	Value any
}

// ConfigHandler receives remote configuration batches.
type ConfigHandler interface {
	ApplyConfig(ctx context.Context, entries []ConfigEntry) error
}

// ConfigHandlerFunc adapts a function to ConfigHandler.
type ConfigHandlerFunc func(ctx context.Context, entries []ConfigEntry) error

// ApplyConfig calls f.
func (f ConfigHandlerFunc) ApplyConfig(ctx context.Context, entries []ConfigEntry) error {
	return f(ctx, entries)
}

// desiredDocument is a parsed desired-state document.
type desiredDocument struct {
	entries    []ConfigEntry
	version    int64
	hasVersion bool

	// skipped lists keys whose values were not scalars.
	skipped error
}

// parseDesired parses a desired-state JSON document. Keys starting with "$"
// are metadata and never become entries. Values that are not string, number
// or bool are skipped and listed in doc.skipped (wrapping
// valuestore.ErrUnsupportedValueType). The error is for malformed JSON only.
func parseDesired(data []byte) (desiredDocument, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return desiredDocument{}, fmt.Errorf("parsing desired state: %w", err)
	}

	var doc desiredDocument
	if n, ok := raw[versionKey].(json.Number); ok {
		if v, err := n.Int64(); err == nil {
			doc.version = v
			doc.hasVersion = true
		}
	}

	var errs []error
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		if strings.HasPrefix(key, "$") {
			continue
		}
		v, err := valuestore.Normalize(raw[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", key, err))
			continue
		}
		doc.entries = append(doc.entries, ConfigEntry{Key: key, Value: v})
	}
	doc.skipped = errors.Join(errs...)
	return doc, nil
}
