// Package parquet writes records to zstd-compressed parquet files, one file per
// shard.
package parquet

import (
	"fmt"
	"sort"

	pq "github.com/segmentio/parquet-go"

	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/schema"
)

// BuildSchema maps a record schema onto a parquet schema. Nullable fields
// become optional columns, lists use the three-level LIST layout with optional
// elements, and structs become groups.
func BuildSchema(s *schema.Schema) *pq.Schema {
	group := pq.Group{}
	for _, f := range s.Fields {
		group[f.Name] = fieldNode(f)
	}
	return pq.NewSchema("record", group)
}

func fieldNode(f schema.Field) pq.Node {
	n := typeNode(f.Type)
	if f.Nullable {
		return pq.Optional(n)
	}
	return pq.Required(n)
}

func typeNode(t schema.Type) pq.Node {
	switch t.Kind {
	case schema.TypeBool:
		return pq.Leaf(pq.BooleanType)
	case schema.TypeNat:
		return pq.Uint(64)
	case schema.TypeInt:
		return pq.Int(64)
	case schema.TypeFloat:
		return pq.Leaf(pq.DoubleType)
	case schema.TypeString:
		return pq.String()
	case schema.TypeList:
		return pq.List(pq.Optional(typeNode(*t.Item)))
	case schema.TypeStruct:
		g := pq.Group{}
		for _, c := range t.Children {
			g[c.Name] = fieldNode(c)
		}
		return g
	default:
		panic(fmt.Sprintf("parquet: unsupported type %q", t.Kind))
	}
}

// plan mirrors the parquet column tree so a record can be shredded into leaf
// values with their repetition and definition levels.
type plan struct {
	name     string
	kind     schema.TypeKind
	optional bool
	// firstCol and numCols span the leaf columns under this node.
	firstCol int
	numCols  int
	// repLevel is the repetition level of a list's repeated group.
	repLevel int
	item     *plan
	children []*plan
}

type shredder struct {
	root    []*plan
	numCols int
}

func newShredder(s *schema.Schema) *shredder {
	sh := &shredder{}
	for _, f := range sortedFields(s.Fields) {
		sh.root = append(sh.root, sh.compile(f.Name, f.Type, f.Nullable, 0))
	}
	return sh
}

func (sh *shredder) compile(name string, t schema.Type, optional bool, repDepth int) *plan {
	p := &plan{name: name, kind: t.Kind, optional: optional, firstCol: sh.numCols}
	switch t.Kind {
	case schema.TypeList:
		p.repLevel = repDepth + 1
		p.item = sh.compile("element", *t.Item, true, repDepth+1)
	case schema.TypeStruct:
		for _, c := range sortedFields(t.Children) {
			p.children = append(p.children, sh.compile(c.Name, c.Type, c.Nullable, repDepth))
		}
	default:
		sh.numCols++
	}
	p.numCols = sh.numCols - p.firstCol
	return p
}

// sortedFields orders fields the way parquet groups order their columns.
func sortedFields(fields []schema.Field) []schema.Field {
	out := append([]schema.Field(nil), fields...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Row shreds rec into a parquet row ordered by column index. rec must already
// satisfy the schema.
func (sh *shredder) Row(rec record.Record) pq.Row {
	cols := make([][]pq.Value, sh.numCols)
	for _, p := range sh.root {
		sh.write(cols, p, rec.Get(p.name), 0, 0)
	}
	n := 0
	for _, c := range cols {
		n += len(c)
	}
	row := make(pq.Row, 0, n)
	for _, c := range cols {
		row = append(row, c...)
	}
	return row
}

func (sh *shredder) write(cols [][]pq.Value, p *plan, v record.Value, rep, def int) {
	if p.optional {
		if v.IsNull() {
			sh.nulls(cols, p, rep, def)
			return
		}
		def++
	}
	switch p.kind {
	case schema.TypeStruct:
		for _, c := range p.children {
			child, _ := v.Field(c.name)
			sh.write(cols, c, child, rep, def)
		}
	case schema.TypeList:
		items := v.Items()
		if len(items) == 0 {
			sh.nulls(cols, p, rep, def)
			return
		}
		for i, it := range items {
			r := rep
			if i > 0 {
				r = p.repLevel
			}
			sh.write(cols, p.item, it, r, def+1)
		}
	default:
		col := p.firstCol
		cols[col] = append(cols[col], leafValue(p.kind, v).Level(rep, def, col))
	}
}

func (sh *shredder) nulls(cols [][]pq.Value, p *plan, rep, def int) {
	for col := p.firstCol; col < p.firstCol+p.numCols; col++ {
		cols[col] = append(cols[col], pq.NullValue().Level(rep, def, col))
	}
}

func leafValue(kind schema.TypeKind, v record.Value) pq.Value {
	switch kind {
	case schema.TypeBool:
		return pq.BooleanValue(v.Bool())
	case schema.TypeInt, schema.TypeNat:
		switch v.Kind() {
		case record.KindUint:
			return pq.Int64Value(int64(v.Uint()))
		default:
			return pq.Int64Value(v.Int())
		}
	case schema.TypeFloat:
		switch v.Kind() {
		case record.KindInt:
			return pq.DoubleValue(float64(v.Int()))
		case record.KindUint:
			return pq.DoubleValue(float64(v.Uint()))
		default:
			return pq.DoubleValue(v.Float())
		}
	case schema.TypeString:
		return pq.ByteArrayValue([]byte(v.Str()))
	}
	return pq.NullValue()
}
