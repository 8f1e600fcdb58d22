// Package bundle loads the static fallback dataset served by the L4 tier.
//
// A bundle is a YAML or JSON document:
//
//	default: []
//	entries:
//	  place:eiffel: {name: Eiffel Tower, lat: 48.8584, lng: 2.2945}
//	  search: [place:eiffel]
//
// Entry values are converted to JSON. Keys may be full cache keys or bare
// domain prefixes that answer for every key in that domain.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/placesync/placesync/pkg/errors"
)

// Bundle is a parsed fallback dataset.
type Bundle struct {
	Entries map[string]json.RawMessage
	// Default answers keys with no entry. Nil when the document has none.
	Default json.RawMessage
}

// Source loads a bundle.
type Source interface {
	Load(ctx context.Context) (Bundle, error)
}

type document struct {
	Default interface{}            `yaml:"default"`
	Entries map[string]interface{} `yaml:"entries"`
}

// Parse decodes a YAML or JSON bundle document.
func Parse(data []byte) (Bundle, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Bundle{}, errors.Wrap(err, errors.ErrCodeMalformedPayload, "parse bundle").WithComponent("bundle")
	}

	b := Bundle{Entries: make(map[string]json.RawMessage, len(doc.Entries))}
	for key, v := range doc.Entries {
		raw, err := toJSON(v)
		if err != nil {
			return Bundle{}, errors.Wrap(err, errors.ErrCodeMalformedPayload, "encode bundle entry").
				WithComponent("bundle").WithContext("key", key)
		}
		b.Entries[key] = raw
	}
	if doc.Default != nil {
		raw, err := toJSON(doc.Default)
		if err != nil {
			return Bundle{}, errors.Wrap(err, errors.ErrCodeMalformedPayload, "encode bundle default").WithComponent("bundle")
		}
		b.Default = raw
	}
	return b, nil
}

// toJSON marshals a value decoded by yaml.v2, whose maps are keyed by
// interface{}.
func toJSON(v interface{}) (json.RawMessage, error) {
	return json.Marshal(normalize(v))
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// FileSource reads a bundle from the local filesystem.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load(ctx context.Context) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Bundle{}, errors.Wrap(err, errors.ErrCodeStoreRead, "read bundle file").
			WithComponent("bundle").WithContext("path", f.Path)
	}
	return Parse(data)
}

// StaticSource serves a bundle with no entries, only a default value.
type StaticSource struct {
	Default json.RawMessage
}

// Load implements Source.
func (s StaticSource) Load(context.Context) (Bundle, error) {
	return Bundle{Entries: map[string]json.RawMessage{}, Default: s.Default}, nil
}
