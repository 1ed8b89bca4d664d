package auditchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemActor is recorded on entries produced by the service itself.
const SystemActor = "anchord"

// Lifecycle actions.
const (
	ActionGenesis     = "genesis"
	ActionSubmitted   = "submitted"
	ActionConfirmed   = "confirmed"
	ActionReconciled  = "reconciled"
	ActionFailed      = "failed"
	ActionReorged     = "reorged"
	ActionResubmitted = "resubmitted"
)

// Entry is one audit record.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	DataHash    string    `json:"data_hash"` // SHA-256 of the JSON payload
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// hashEntry must never be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Fingerprint, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor. prev is nil for genesis.
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
