package event

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces canonical JSON for payload storage and hashing.
// The same logical payload always encodes to identical bytes, which is what
// makes content-store deduplication of repeated prompts and tool schemas
// effective across executions.
//
// Rules (RFC 8785 subset, matching what the event model needs):
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. No floats (returns error)
//  5. No null (returns error)
func MarshalCanonical(v any) ([]byte, error) {
	var b strings.Builder
	if err := marshalCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func marshalCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		marshalCanonicalString(b, val)
		return nil
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case int:
		fmt.Fprintf(b, "%d", val)
		return nil
	case int64:
		fmt.Fprintf(b, "%d", val)
		return nil
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return marshalCanonicalArray(b, arr)
	case []int64:
		arr := make([]any, len(val))
		for i, n := range val {
			arr[i] = n
		}
		return marshalCanonicalArray(b, arr)
	case []any:
		return marshalCanonicalArray(b, val)
	case map[string]any:
		return marshalCanonicalObject(b, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalCanonicalArray(b *strings.Builder, arr []any) error {
	b.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := marshalCanonical(b, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	b.WriteByte(']')
	return nil
}

func marshalCanonicalObject(b *strings.Builder, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return utf16Less(keys[i], keys[j])
	})

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		marshalCanonicalString(b, k)
		b.WriteByte(':')
		if err := marshalCanonical(b, obj[k]); err != nil {
			return fmt.Errorf("object[%q]: %w", k, err)
		}
	}
	b.WriteByte('}')
	return nil
}

// utf16Less compares two strings by their UTF-16 code unit sequences,
// the key ordering RFC 8785 requires.
func utf16Less(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// marshalCanonicalString writes a JSON string literal without HTML escaping.
// The input is NFC normalized first so visually identical text hashes
// identically.
func marshalCanonicalString(b *strings.Builder, s string) {
	s = norm.NFC.String(s)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
