package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is the 256-bit content hash identifying one evidence artifact.
type Fingerprint [32]byte

// ParseFingerprint decodes a 64-character hex string, with or without a 0x
// prefix. Surrounding whitespace and letter case are ignored.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "0x")
	if len(v) != hex.EncodedLen(len(fp)) {
		return fp, fmt.Errorf("fingerprint must be %d hex characters, got %d", hex.EncodedLen(len(fp)), len(v))
	}
	if _, err := hex.Decode(fp[:], []byte(v)); err != nil {
		return fp, fmt.Errorf("decode fingerprint: %w", err)
	}
	return fp, nil
}

// MustParseFingerprint is like ParseFingerprint but panics on error.
func MustParseFingerprint(s string) Fingerprint {
	fp, err := ParseFingerprint(s)
	if err != nil {
		panic(err)
	}
	return fp
}

// IsZero reports whether fp is the all-zero value, which is never a real submission.
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

// String returns the 0x-prefixed lower-case hex form.
func (fp Fingerprint) String() string {
	return "0x" + hex.EncodeToString(fp[:])
}

// MarshalText implements encoding.TextMarshaler.
func (fp Fingerprint) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (fp *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*fp = parsed
	return nil
}
