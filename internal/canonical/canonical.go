// Package canonical renders values as canonical JSON (RFC 8785 style) and
// hashes them. Every cross-version hash in the system is computed over this
// encoding: object keys sorted lexicographically, no insignificant whitespace,
// integers without a decimal point, minimal string escapes, arrays in order.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rawblock/attestia/pkg/errs"
)

// MaxNestingDepth bounds document nesting when canonicalising untrusted
// payloads (e.g. decoded witness memos).
const MaxNestingDepth = 32

// Marshal renders v as canonical JSON. v may be any json-marshalable value;
// struct tags apply as with encoding/json.
func Marshal(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json so struct tags, omitempty and custom
	// marshalers all apply before key ordering. json.Number preserves the
	// exact numeric text.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "canonical marshal")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "canonical decode")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex sha-256 of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values known to be marshalable (our own structs).
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: unhashable value: %v", err))
	}
	return h
}

// HashBytes returns the hex sha-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashConcat hashes the canonical encoding of v with a suffix appended, used
// for hash-chaining (sha256(canonical(v) ‖ suffix)).
func HashConcat(v interface{}, suffix string) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(b, []byte(suffix)...))
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}, depth int) error {
	if depth > MaxNestingDepth {
		return errs.E(errs.InvalidInput, "document nesting exceeds %d levels", MaxNestingDepth)
	}
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k], depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errs.E(errs.InvalidInput, "unsupported canonical value %T", v)
	}
	return nil
}

// lessUTF16 orders keys by UTF-16 code units per RFC 8785. Differs from byte
// order only for characters outside the basic multilingual plane.
func lessUTF16(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		ua, ub := utf16Units(ra[i]), utf16Units(rb[i])
		for j := 0; j < len(ua) && j < len(ub); j++ {
			if ua[j] != ub[j] {
				return ua[j] < ub[j]
			}
		}
		if len(ua) != len(ub) {
			return len(ua) < len(ub)
		}
	}
	return len(ra) < len(rb)
}

func utf16Units(r rune) []uint16 {
	if r < 0x10000 {
		return []uint16{uint16(r)}
	}
	r -= 0x10000
	return []uint16{uint16(0xD800 + (r >> 10)), uint16(0xDC00 + (r & 0x3FF))}
}

// writeString emits a JSON string with minimal escapes (no HTML escaping).
func writeString(buf *bytes.Buffer, s string) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // cannot fail for a string
	out := sb.String()
	buf.WriteString(strings.TrimSuffix(out, "\n"))
}
