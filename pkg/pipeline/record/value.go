// Package record holds the dynamically typed values that workers emit.
//
// A Value is a closed tagged variant: exactly one of Null, Bool, Int, Uint,
// Float, String, List or Struct. Records are maps from top-level field name to
// Value and live only between being parsed from a worker line and being
// absorbed into a shard buffer.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindList
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindStruct:
		return "struct"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is immutable once constructed. The zero Value is Null.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	u      uint64
	f      float64
	s      string
	list   []Value
	fields map[string]Value
}

func Null() Value               { return Value{} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Uint(u uint64) Value       { return Value{kind: KindUint, u: u} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Struct builds a struct value. The map is owned by the Value afterwards.
func Struct(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindStruct, fields: fields}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Bool() bool     { return v.b }
func (v Value) Int() int64     { return v.i }
func (v Value) Uint() uint64   { return v.u }
func (v Value) Float() float64 { return v.f }
func (v Value) Str() string    { return v.s }
func (v Value) Items() []Value { return v.list }

// Field returns a struct member; absent members read as Null.
func (v Value) Field(name string) (Value, bool) {
	f, ok := v.fields[name]
	return f, ok
}

// FieldNames returns the struct's member names in sorted order.
func (v Value) FieldNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Interface converts v into plain Go values (nil, bool, int64, uint64, float64,
// string, []any, map[string]any) suitable for re-encoding.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindStruct:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string { return Canonical(v) }

// Record maps top-level field names to values.
type Record map[string]Value

// Get returns the named field, treating absent fields as Null.
func (r Record) Get(name string) Value {
	return r[name]
}

// Interface converts the record into a map of plain Go values.
func (r Record) Interface() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Interface()
	}
	return out
}

// FromJSON converts a decoded JSON tree into a Value. Numbers must be
// json.Number (decoders configured with UseNumber); float64 is accepted too.
func FromJSON(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(string(t))
	case float64:
		return Float(t), nil
	case int64:
		return Int(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromJSON(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromJSON(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = v
		}
		return Struct(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported json value of type %T", x)
	}
}

// RecordFromJSON converts a decoded JSON document into a Record. The top level
// must be an object.
func RecordFromJSON(x any) (Record, error) {
	obj, ok := x.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected json object, got %s", jsonTypeName(x))
	}
	rec := make(Record, len(obj))
	for k, item := range obj {
		v, err := FromJSON(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		rec[k] = v
	}
	return rec, nil
}

func numberValue(lit string) (Value, error) {
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return Int(i), nil
		}
		if u, err := strconv.ParseUint(lit, 10, 64); err == nil {
			return Uint(u), nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil && !isRangeErr(err) {
		return Value{}, fmt.Errorf("invalid number %q: %w", lit, err)
	}
	if math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("number %q out of range", lit)
	}
	return Float(f), nil
}

func isRangeErr(err error) bool {
	var ne *strconv.NumError
	return errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange)
}

func jsonTypeName(x any) string {
	switch x.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", x)
	}
}
