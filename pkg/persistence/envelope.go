package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Envelope is the stored form of a workflow state: the serialized state plus
// the metadata needed to verify and migrate it. The checksum covers the State
// bytes only, so verification hashes exactly what was stored and nothing of
// the envelope itself.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Revision      uint64          `json:"revision"`
	Checksum      string          `json:"checksum"`
	SavedAt       time.Time       `json:"saved_at"`
	State         json.RawMessage `json:"state"`
}

// NewEnvelope builds an envelope for serialized state bytes, computing the
// checksum.
func NewEnvelope(schemaVersion int, revision uint64, savedAt time.Time, state []byte) *Envelope {
	return &Envelope{
		SchemaVersion: schemaVersion,
		Revision:      revision,
		Checksum:      Checksum(state),
		SavedAt:       savedAt,
		State:         json.RawMessage(state),
	}
}

// Verify recomputes the checksum over the stored state bytes and returns
// ErrChecksumMismatch when it differs from the recorded one.
func (e *Envelope) Verify() error {
	if Checksum(e.State) != e.Checksum {
		return ErrChecksumMismatch
	}

	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}

	cp := *e
	cp.State = append(json.RawMessage(nil), e.State...)

	return &cp
}

// Checksum returns the hex-encoded SHA-256 digest of the payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}
