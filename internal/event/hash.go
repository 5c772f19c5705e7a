package event

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content-addressed identity. The version suffix enables
// future algorithm migration without ambiguity.
const (
	domainContent = "substrate/content/v1"
	domainEvent   = "substrate/event/v1"
)

// hashWithDomain computes BLAKE3 with domain separation.
// Format: BLAKE3(domain + 0x00 + data). The null byte separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Ref computes the content-addressed ref for a byte sequence.
//
// Ref is a pure function of bytes: identical byte sequences always map to
// the same ref, which is what enables cross-execution deduplication of
// repeated system prompts and tool schemas.
func Ref(data []byte) ContentRef {
	return ContentRef(hashWithDomain(domainContent, data))
}

// EventID computes the content-addressed ID of an event. The ID is stable
// across restarts and replays given the same inputs.
//
// The payload enters the hash through its encoded bytes (or the content ref
// for large payloads), so the ID never depends on in-memory representation.
func EventID(executionID string, seq int64, typ Type, payloadHash string) (string, error) {
	obj := map[string]any{
		"execution_id": executionID,
		"seq":          seq,
		"type":         string(typ),
		"payload_hash": payloadHash,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("event id: %w", err)
	}

	return hashWithDomain(domainEvent, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(executionID string, seq int64, typ Type, payloadHash string) string {
	id, err := EventID(executionID, seq, typ, payloadHash)
	if err != nil {
		panic(err)
	}
	return id
}
