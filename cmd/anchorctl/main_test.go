package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fpA = "0x1111111111111111111111111111111111111111111111111111111111111111"

// execute runs the CLI with args and returns its output. Flag-bound globals
// are reset first because cobra keeps them across Execute calls.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	serverURL, cfgFile, outputFormat = "", "", "text"
	submitFile, submitJSON, submitMetadata, submitWait = "", "", "", false
	batchMetadata, listStatus, verifyExpected, fingerprintAsJSON = nil, "", 0, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	record := map[string]any{"fingerprint": fpA, "status": "confirmed", "chain_timestamp": 1700000000, "submission_ref": "0xabc"}
	mux.HandleFunc("POST /api/v1/anchors", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"record":    map[string]any{"fingerprint": req["fingerprint"], "metadata": req["metadata"], "status": "pending"},
			"duplicate": false,
		})
	})
	mux.HandleFunc("GET /api/v1/anchors/{fp}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("fp") != fpA {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(record)
	})
	mux.HandleFunc("GET /api/v1/verify/{fp}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"fingerprint": r.PathValue("fp"), "is_anchored": true, "chain_timestamp": 1700000000,
			"matches_expected": r.URL.Query().Get("expected_timestamp") == "1700000000",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFingerprintCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.txt")
	if err := os.WriteFile(path, []byte("hello evidence\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "fingerprint", path)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if want := "0xfe482b5e524c67728f4f2b4f430cd10d9a25659641f995ae537b282ccd181e0b"; strings.TrimSpace(out) != want {
		t.Errorf("got %q, want %s", out, want)
	}
}

func TestSubmitCommand_json(t *testing.T) {
	srv := stubServer(t)
	out, err := execute(t, "--server", srv.URL, "--format", "json", "submit", fpA, "--metadata", "case-7")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var res struct {
		Record struct {
			Fingerprint string `json:"fingerprint"`
			Metadata    string `json:"metadata"`
			Status      string `json:"status"`
		} `json:"record"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if res.Record.Fingerprint != fpA || res.Record.Metadata != "case-7" || res.Record.Status != "pending" {
		t.Errorf("unexpected record: %+v", res.Record)
	}
}

func TestSubmitCommand_oneSourceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("x"), 0o600)

	if _, err := execute(t, "submit", fpA, "--file", path); err == nil {
		t.Error("expected error when both a fingerprint and --file are given")
	}
	if _, err := execute(t, "submit"); err == nil {
		t.Error("expected error when no source is given")
	}
}

func TestStatusCommand(t *testing.T) {
	srv := stubServer(t)
	out, err := execute(t, "--server", srv.URL, "status", fpA)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"confirmed", "0xabc", "2023-11-14T22:13:20Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "--server", srv.URL, "status", "0x2222222222222222222222222222222222222222222222222222222222222222"); err == nil {
		t.Error("expected error for unknown fingerprint")
	}
}

func TestVerifyCommand(t *testing.T) {
	srv := stubServer(t)
	out, err := execute(t, "--server", srv.URL, "verify", fpA, "--expected", "1700000000")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "Matches:     true") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	if _, err := execute(t, "--format", "yaml", "version"); err == nil {
		t.Error("expected error for unknown format")
	}
}
