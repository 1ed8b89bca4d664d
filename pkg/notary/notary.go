// Package notary computes evidence fingerprints on the producer side.
//
// FingerprintJSON hashes a canonical JSON rendering of a report: object keys
// sorted, ", " and ": " separators, non-ASCII text left literal, and only
// quote, backslash and control characters escaped. Producers in other
// languages that serialise the same way (for example Python's
// json.dumps(v, sort_keys=True, ensure_ascii=False)) obtain the same digest.
package notary

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

// Canonical returns the canonical JSON encoding of v. v may be any value
// encoding/json accepts, or raw JSON as json.RawMessage / []byte.
func Canonical(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode: trailing data after JSON value")
	}

	var buf bytes.Buffer
	writeValue(&buf, tree)
	return buf.Bytes(), nil
}

// FingerprintJSON returns the SHA-256 of Canonical(v).
func FingerprintJSON(v any) (ledger.Fingerprint, error) {
	b, err := Canonical(v)
	if err != nil {
		return ledger.Fingerprint{}, err
	}
	return ledger.Fingerprint(sha256.Sum256(b)), nil
}

// FingerprintReader returns the SHA-256 of everything read from r.
func FingerprintReader(r io.Reader) (ledger.Fingerprint, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return ledger.Fingerprint{}, fmt.Errorf("read: %w", err)
	}
	var fp ledger.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// FingerprintFile returns the SHA-256 of the file at path.
func FingerprintFile(path string) (ledger.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return ledger.Fingerprint{}, err
	}
	defer f.Close()
	return FingerprintReader(f)
}

func writeValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeValue(buf, e)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			writeValue(buf, t[k])
		}
		buf.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			_, size := utf8.DecodeRuneInString(s[i:])
			buf.WriteString(s[i : i+size])
			i += size
			continue
		}
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
		i++
	}
	buf.WriteByte('"')
}
