package record

import (
	"math"
	"strconv"
	"strings"
)

// Canonical renders v as deterministic JSON text: object keys sorted, ", " and
// ": " separators, non-ASCII escaped as \uXXXX. Structurally equal values
// render identically regardless of the order their members were decoded in.
func Canonical(v Value) string {
	var b strings.Builder
	appendCanonical(&b, v)
	return b.String()
}

func appendCanonical(b *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.b {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindInt:
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindUint:
		b.WriteString(strconv.FormatUint(v.u, 10))
	case KindFloat:
		b.WriteString(formatFloat(v.f))
	case KindString:
		appendQuoted(b, v.s)
	case KindList:
		b.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				b.WriteString(", ")
			}
			appendCanonical(b, item)
		}
		b.WriteByte(']')
	case KindStruct:
		b.WriteByte('{')
		for i, name := range v.FieldNames() {
			if i > 0 {
				b.WriteString(", ")
			}
			appendQuoted(b, name)
			b.WriteString(": ")
			appendCanonical(b, v.fields[name])
		}
		b.WriteByte('}')
	}
}

// formatFloat uses the shortest round-tripping digits, positional notation for
// magnitudes in [1e-4, 1e16) and exponent notation otherwise.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs == 0 || (abs >= 1e-4 && abs < 1e16) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	return strconv.FormatFloat(f, 'e', -1, 64)
}

const hexDigits = "0123456789abcdef"

func appendQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r <= 0xffff):
				appendU16(b, uint16(r))
			case r > 0xffff:
				r -= 0x10000
				appendU16(b, uint16(0xd800+(r>>10)))
				appendU16(b, uint16(0xdc00+(r&0x3ff)))
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func appendU16(b *strings.Builder, c uint16) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[c>>12&0xf])
	b.WriteByte(hexDigits[c>>8&0xf])
	b.WriteByte(hexDigits[c>>4&0xf])
	b.WriteByte(hexDigits[c&0xf])
}
