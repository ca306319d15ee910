// Package canonical renders payloads as RFC 8785 canonical JSON.
//
// Canonical bytes are the only input to idempotency key derivation and to the
// journal's stored payloads, so two semantically identical payloads must encode
// identically regardless of map iteration order or Unicode composition.
//
// Rules enforced here:
//   - object keys sorted by UTF-16 code units
//   - strings NFC-normalized, no HTML escaping, only control characters,
//     quote and backslash escaped
//   - integers within int64 are written exactly; other numbers use the
//     ECMAScript shortest round-trip form (0.5, 1e+21, 1.5e-7), so 1.0
//     and 1 encode alike
//   - null is allowed (optional payload fields decode to null)
package canonical

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	json "github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

// Marshal produces canonical JSON for v.
//
// v may be any value the JSON encoder can marshal (structs, maps, slices,
// json.RawMessage). It is first normalized into the generic JSON data model
// with integer-preserving number decoding, then rendered canonically.
func Marshal(v any) ([]byte, error) {
	generic, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize converts v into map[string]any / []any / string / bool /
// json.Number / nil. Values already in that shape are walked without a
// JSON round trip.
func Normalize(v any) (any, error) {
	if isGeneric(v) {
		return v, nil
	}

	var raw []byte
	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: marshal %T: %w", v, err)
		}
		raw = data
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return out, nil
}

func isGeneric(v any) bool {
	switch val := v.(type) {
	case nil, string, bool, json.Number:
		return true
	case map[string]any:
		for _, elem := range val {
			if !isGeneric(elem) {
				return false
			}
		}
		return true
	case []any:
		for _, elem := range val {
			if !isGeneric(elem) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		writeString(buf, val)
	case json.Number:
		n, err := formatNumber(string(val))
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		SortKeys(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %s", reflect.TypeOf(v))
	}
	return nil
}

// formatNumber renders a JSON number literal canonically.
func formatNumber(lit string) (string, error) {
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonical: number %s out of range", lit)
	}
	return formatFloat(f), nil
}

// formatFloat follows ECMAScript Number.prototype.toString, which RFC 8785
// adopts for numbers.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	// Shortest round-trip digits as d.ddde±x.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(sci, "e")
	digits := strings.Replace(mantissa, ".", "", 1)
	e, _ := strconv.Atoi(exp)
	k := len(digits)
	n := e + 1 // position of the decimal point relative to digits

	var out string
	switch {
	case k <= n && n <= 21:
		out = digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		out = digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		out = "0." + strings.Repeat("0", -n) + digits
	default:
		out = digits[:1]
		if k > 1 {
			out += "." + digits[1:]
		}
		if n-1 >= 0 {
			out += "e+" + strconv.Itoa(n-1)
		} else {
			out += "e-" + strconv.Itoa(1-n)
		}
	}
	return sign + out
}

// SortKeys orders keys by UTF-16 code units as RFC 8785 requires.
// Go's native string ordering is by UTF-8 bytes, which differs for
// characters outside the Basic Multilingual Plane.
func SortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return compareUTF16(keys[i], keys[j]) < 0
	})
}

func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	return len(ua) - len(ub)
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
