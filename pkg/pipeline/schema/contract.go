package schema

import (
	"fmt"
	"strings"
)

// TypeKind enumerates the column types a worker can declare.
type TypeKind string

const (
	TypeBool   TypeKind = "bool"
	TypeNat    TypeKind = "nat"
	TypeInt    TypeKind = "int"
	TypeFloat  TypeKind = "float"
	TypeString TypeKind = "string"
	TypeList   TypeKind = "list"
	TypeStruct TypeKind = "struct"
)

// IsPrimitive reports whether k is a leaf type.
func (k TypeKind) IsPrimitive() bool {
	switch k {
	case TypeBool, TypeNat, TypeInt, TypeFloat, TypeString:
		return true
	}
	return false
}

// Type is a column type. Item is set for lists, Children for structs.
type Type struct {
	Kind     TypeKind
	Item     *Type
	Children []Field
}

func (t Type) String() string {
	switch t.Kind {
	case TypeList:
		if t.Item == nil {
			return "list<?>"
		}
		return "list<" + t.Item.String() + ">"
	case TypeStruct:
		parts := make([]string, 0, len(t.Children))
		for _, c := range t.Children {
			parts = append(parts, c.Name+": "+c.Type.String())
		}
		return "struct<" + strings.Join(parts, ", ") + ">"
	default:
		return string(t.Kind)
	}
}

// Field is one named column.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is the immutable record contract for one extractor command.
type Schema struct {
	Fields []Field
	// Key names the top-level field whose value selects the shard.
	Key string
}

// Field looks up a top-level field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// KeyField returns the shard-key field.
func (s *Schema) KeyField() Field {
	f, _ := s.Field(s.Key)
	return f
}

func normalizeKind(raw string) (TypeKind, error) {
	k := TypeKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case TypeBool, TypeNat, TypeInt, TypeFloat, TypeString, TypeList, TypeStruct:
		return k, nil
	}
	return "", fmt.Errorf("unknown datatype %q", raw)
}
