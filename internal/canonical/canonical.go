// internal/canonical/canonical.go

// Package canonical produces the deterministic byte encoding that message
// signatures are computed over.
//
// The output is byte-compatible with Python's json.dumps(obj, sort_keys=True),
// which is what the sensor fleet uses to sign, so a signature produced on either
// side verifies on the other.
package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// SignatureKey is never part of the signed bytes.
const SignatureKey = "signature"

var ErrUnsupported = errors.New("canonical: unsupported value")

// Marshal encodes v with sorted keys.
func Marshal(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// SigningBytes encodes fields without the signature key. The input is not modified.
func SigningBytes(fields map[string]any) ([]byte, error) {
	if _, ok := fields[SignatureKey]; !ok {
		return Marshal(fields)
	}
	stripped := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == SignatureKey {
			continue
		}
		stripped[k] = v
	}
	return Marshal(stripped)
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, t)
	case json.Number:
		return writeNumber(b, t)
	case float64:
		b.WriteString(FormatFloat(t))
	case float32:
		b.WriteString(FormatFloat(float64(t)))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case map[string]any:
		return writeObject(b, t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return writeObject(b, m)
	case []any:
		return writeArray(b, t)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return writeArray(b, items)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}

func writeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// UTF-8 byte order equals code point order, which is what sort_keys uses.
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(b, k)
		b.WriteString(": ")
		if err := encode(b, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	b.WriteByte('}')
	return nil
}

func writeArray(b *strings.Builder, items []any) error {
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := encode(b, item); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString escapes to pure ASCII the way ensure_ascii does.
func writeString(b *strings.Builder, s string) {
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
				writeUnicodeEscape(b, r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(b, hi)
				writeUnicodeEscape(b, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func writeUnicodeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[(r>>12)&0xf])
	b.WriteByte(hexDigits[(r>>8)&0xf])
	b.WriteByte(hexDigits[(r>>4)&0xf])
	b.WriteByte(hexDigits[r&0xf])
}

// writeNumber keeps integers integral and re-renders floats in repr form, so
// "25.50" and "25.5" canonicalize identically, as they do after a Python round trip.
func writeNumber(b *strings.Builder, n json.Number) error {
	lit := n.String()
	if strings.ContainsAny(lit, ".eE") {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return fmt.Errorf("%w: number %q", ErrUnsupported, lit)
		}
		b.WriteString(FormatFloat(f))
		return nil
	}
	i, ok := new(big.Int).SetString(lit, 10)
	if !ok {
		return fmt.Errorf("%w: number %q", ErrUnsupported, lit)
	}
	b.WriteString(i.String())
	return nil
}

// FormatFloat renders f like Python's float repr: shortest round-trip digits,
// fixed notation for 1e-4 <= |f| < 1e16 and exponent notation otherwise.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	sign := ""
	if math.Signbit(f) {
		sign = "-"
		f = -f
	}

	// "d.ddde±XX" -> digits "dddd", exponent XX
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expPart, _ := strings.Cut(s, "e")
	digits := strings.Replace(mant, ".", "", 1)
	exp, _ := strconv.Atoi(expPart)

	if exp >= -4 && exp < 16 {
		if exp >= 0 {
			if len(digits) <= exp+1 {
				return sign + digits + strings.Repeat("0", exp+1-len(digits)) + ".0"
			}
			return sign + digits[:exp+1] + "." + digits[exp+1:]
		}
		return sign + "0." + strings.Repeat("0", -exp-1) + digits
	}

	out := sign + digits[:1]
	if len(digits) > 1 {
		out += "." + digits[1:]
	}
	expSign := "+"
	if exp < 0 {
		expSign = "-"
		exp = -exp
	}
	return fmt.Sprintf("%se%s%02d", out, expSign, exp)
}
