package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// markupEngine validates a configuration language: parse the submission,
// report position errors, and emit the normalized form as output.
// Parsing into plain Go values executes nothing, which is the whole
// isolation story for these languages.
type markupEngine struct {
	name     string
	language string
	decode   func([]byte) (any, error)
	encode   func(any) ([]byte, error)
}

func (e *markupEngine) Name() string { return e.name }

func (e *markupEngine) Languages() []string { return []string{e.language} }

func (e *markupEngine) ValidateCode(code string) error {
	return validateSize(code)
}

func (e *markupEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	doc, err := e.decode([]byte(req.Code))
	if err != nil {
		return &Result{Error: fmt.Sprintf("invalid %s: %s", e.language, err)}, nil
	}

	normalized, err := e.encode(doc)
	if err != nil {
		return &Result{Error: fmt.Sprintf("normalizing %s: %s", e.language, err)}, nil
	}

	return &Result{
		Output:   string(normalized),
		Metadata: map[string]any{"valid": true},
	}, nil
}

// NewJSONEngine validates and pretty-prints JSON documents.
func NewJSONEngine() Engine {
	return &markupEngine{
		name:     "json-validator",
		language: "json",
		decode: func(data []byte) (any, error) {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			var doc any
			if err := dec.Decode(&doc); err != nil {
				return nil, err
			}
			// Trailing content after the first document is an error.
			if dec.More() {
				return nil, fmt.Errorf("unexpected content after top-level value")
			}
			return doc, nil
		},
		encode: func(doc any) ([]byte, error) {
			return json.MarshalIndent(doc, "", "  ")
		},
	}
}

// NewYAMLEngine validates and re-emits YAML documents.
func NewYAMLEngine() Engine {
	return &markupEngine{
		name:     "yaml-validator",
		language: "yaml",
		decode: func(data []byte) (any, error) {
			var doc any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
		encode: func(doc any) ([]byte, error) {
			return yaml.Marshal(doc)
		},
	}
}

// NewTOMLEngine validates and re-emits TOML documents.
func NewTOMLEngine() Engine {
	return &markupEngine{
		name:     "toml-validator",
		language: "toml",
		decode: func(data []byte) (any, error) {
			var doc map[string]any
			if err := toml.Unmarshal(data, &doc); err != nil {
				return nil, err
			}
			return doc, nil
		},
		encode: func(doc any) ([]byte, error) {
			return toml.Marshal(doc)
		},
	}
}

// DefaultRegistry registers every built-in engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewJavaScriptEngine())
	r.Register(NewLuaEngine())
	r.Register(NewPythonEngine())
	r.Register(NewSQLEngine())
	r.Register(NewJSONEngine())
	r.Register(NewYAMLEngine())
	r.Register(NewTOMLEngine())
	return r
}
