package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
)

type fieldDoc struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable *bool           `json:"nullable"`
}

type typeDoc struct {
	Datatype string          `json:"datatype"`
	Item     json.RawMessage `json:"item"`
	Children []fieldDoc      `json:"children"`
}

type schemaDoc struct {
	Fields []fieldDoc `json:"fields"`
	Key    *string    `json:"key"`
}

// Parse reads the schema document a worker prints for `--schema`:
//
//	{"fields": [{"name": ..., "type": ..., "nullable": bool}], "key": "<field>"}
//
// A type is either a bare primitive name or {"datatype": ...} with "item" for
// lists and "children" for structs. Every failure is a *core.ConfigurationError.
func Parse(raw []byte) (*Schema, error) {
	var doc schemaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &core.ConfigurationError{Reason: "parse schema json", Err: err}
	}
	if len(doc.Fields) == 0 {
		return nil, core.Configf("schema has no fields")
	}
	fields, err := parseFields(doc.Fields, "")
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "invalid schema", Err: err}
	}
	if doc.Key == nil || strings.TrimSpace(*doc.Key) == "" {
		return nil, core.Configf("schema missing required 'key' field")
	}
	s := &Schema{Fields: fields, Key: strings.TrimSpace(*doc.Key)}
	if _, ok := s.Field(s.Key); !ok {
		return nil, core.Configf("schema key %q does not name a top-level field", s.Key)
	}
	return s, nil
}

func parseFields(docs []fieldDoc, prefix string) ([]Field, error) {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Field, 0, len(docs))
	for _, d := range docs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%sfield with empty name", prefix)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate field %s%s", prefix, name)
		}
		seen[name] = struct{}{}

		t, err := parseType(d.Type, prefix+name)
		if err != nil {
			return nil, err
		}
		nullable := true
		if d.Nullable != nil {
			nullable = *d.Nullable
		}
		out = append(out, Field{Name: name, Type: t, Nullable: nullable})
	}
	return out, nil
}

func parseType(raw json.RawMessage, path string) (Type, error) {
	if len(raw) == 0 {
		return Type{}, fmt.Errorf("%s: missing type", path)
	}

	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		k, err := normalizeKind(bare)
		if err != nil {
			return Type{}, fmt.Errorf("%s: %w", path, err)
		}
		if !k.IsPrimitive() {
			return Type{}, fmt.Errorf("%s: %s must be given in object form", path, k)
		}
		return Type{Kind: k}, nil
	}

	var td typeDoc
	if err := json.Unmarshal(raw, &td); err != nil {
		return Type{}, fmt.Errorf("%s: parse type: %w", path, err)
	}
	k, err := normalizeKind(td.Datatype)
	if err != nil {
		return Type{}, fmt.Errorf("%s: %w", path, err)
	}
	switch k {
	case TypeList:
		item, err := parseType(td.Item, path+"[]")
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: k, Item: &item}, nil
	case TypeStruct:
		children, err := parseFields(td.Children, path+".")
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: k, Children: children}, nil
	default:
		return Type{Kind: k}, nil
	}
}
