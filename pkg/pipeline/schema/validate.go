package schema

import (
	"fmt"
	"math"
	"strconv"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
)

// Validate checks rec against the schema. Missing fields read as null; fields
// the schema does not declare are ignored. The first violation is returned as
// a *core.SchemaMismatchError with Shard set to -1.
func (s *Schema) Validate(rec record.Record) error {
	for _, f := range s.Fields {
		if err := checkField(f, rec.Get(f.Name), f.Name); err != nil {
			return err
		}
	}
	return nil
}

func checkField(f Field, v record.Value, path string) error {
	if v.IsNull() {
		if !f.Nullable {
			return mismatch(path, "null value for non-nullable field")
		}
		return nil
	}
	return checkType(f.Type, v, path)
}

func checkType(t Type, v record.Value, path string) error {
	switch t.Kind {
	case TypeBool:
		if v.Kind() != record.KindBool {
			return wrongKind(path, t, v)
		}
	case TypeString:
		if v.Kind() != record.KindString {
			return wrongKind(path, t, v)
		}
	case TypeInt:
		switch v.Kind() {
		case record.KindInt:
		case record.KindUint:
			if v.Uint() > math.MaxInt64 {
				return mismatch(path, fmt.Sprintf("value %d overflows int64", v.Uint()))
			}
		default:
			return wrongKind(path, t, v)
		}
	case TypeNat:
		switch v.Kind() {
		case record.KindUint:
		case record.KindInt:
			if v.Int() < 0 {
				return mismatch(path, fmt.Sprintf("negative value %d for nat", v.Int()))
			}
		default:
			return wrongKind(path, t, v)
		}
	case TypeFloat:
		switch v.Kind() {
		case record.KindFloat, record.KindInt, record.KindUint:
		default:
			return wrongKind(path, t, v)
		}
	case TypeList:
		if v.Kind() != record.KindList {
			return wrongKind(path, t, v)
		}
		item := Field{Name: "item", Type: *t.Item, Nullable: true}
		for i, elem := range v.Items() {
			if err := checkField(item, elem, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case TypeStruct:
		if v.Kind() != record.KindStruct {
			return wrongKind(path, t, v)
		}
		for _, c := range t.Children {
			child, _ := v.Field(c.Name)
			if err := checkField(c, child, path+"."+c.Name); err != nil {
				return err
			}
		}
	default:
		return mismatch(path, "unsupported schema type "+string(t.Kind))
	}
	return nil
}

func wrongKind(path string, t Type, v record.Value) error {
	return mismatch(path, fmt.Sprintf("expected %s, got %s", t, v.Kind()))
}

func mismatch(path, reason string) error {
	return &core.SchemaMismatchError{Path: path, Reason: reason, Shard: -1}
}
