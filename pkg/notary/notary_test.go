package notary_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/EvidenceAnchor/pkg/notary"
)

// Digest and rendering produced by json.dumps(report, sort_keys=True, ensure_ascii=False).
const (
	reportCanonical = `{"alpha": [1, 2.5, null, true], "nested": {"a": "q\"t", "b": "line\nbreak"}, "zeta": "ü<>&"}`
	reportDigest    = "0x7f992acb30918eda718778d798b71b80094428ca88edc8e8178bab0b5c66521a"
	fileDigest      = "0xfe482b5e524c67728f4f2b4f430cd10d9a25659641f995ae537b282ccd181e0b"
)

func report() map[string]any {
	return map[string]any{
		"zeta":   "ü<>&",
		"alpha":  []any{1, 2.5, nil, true},
		"nested": map[string]any{"b": "line\nbreak", "a": `q"t`},
	}
}

func TestCanonical(t *testing.T) {
	got, err := notary.Canonical(report())
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(got) != reportCanonical {
		t.Errorf("canonical mismatch\n got: %s\nwant: %s", got, reportCanonical)
	}
}

func TestFingerprintJSON_knownDigest(t *testing.T) {
	fp, err := notary.FingerprintJSON(report())
	if err != nil {
		t.Fatalf("FingerprintJSON: %v", err)
	}
	if fp.String() != reportDigest {
		t.Errorf("got %s, want %s", fp, reportDigest)
	}
}

func TestFingerprintJSON_keyOrderIrrelevant(t *testing.T) {
	a, err := notary.FingerprintJSON(json.RawMessage(`{"b":2,"a":{"y":1,"x":[3]}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := notary.FingerprintJSON([]byte(` { "a" : {"x":[3], "y":1}, "b" : 2 } `))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("key order changed the fingerprint: %s vs %s", a, b)
	}
}

func TestFingerprintJSON_structTags(t *testing.T) {
	type finding struct {
		Severity string `json:"severity"`
		Count    int    `json:"count"`
	}
	got, err := notary.Canonical(finding{Severity: "high", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"count": 3, "severity": "high"}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonical_controlCharacters(t *testing.T) {
	got, err := notary.Canonical(map[string]any{"k": "a\x01\tb"})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"k": "a\u0001\tb"}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonical_rejectsBadInput(t *testing.T) {
	cases := []json.RawMessage{
		json.RawMessage(`{"a":`),
		json.RawMessage(`{"a":1} {"b":2}`),
	}
	for _, c := range cases {
		if _, err := notary.Canonical(c); err == nil {
			t.Errorf("%s: expected error", c)
		}
	}
	if _, err := notary.Canonical(make(chan int)); err == nil {
		t.Error("unmarshalable value: expected error")
	}
}

func TestFingerprintReaderAndFile(t *testing.T) {
	fp, err := notary.FingerprintReader(strings.NewReader("hello evidence\n"))
	if err != nil {
		t.Fatal(err)
	}
	if fp.String() != fileDigest {
		t.Errorf("reader: got %s, want %s", fp, fileDigest)
	}

	path := filepath.Join(t.TempDir(), "evidence.txt")
	if err := os.WriteFile(path, []byte("hello evidence\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fp, err = notary.FingerprintFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fp.String() != fileDigest {
		t.Errorf("file: got %s, want %s", fp, fileDigest)
	}

	if _, err := notary.FingerprintFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file: expected error")
	}
}
