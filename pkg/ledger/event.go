// Package ledger implements the per-case, hash-chained, append-only event
// store that gives the deliberation workflow its tamper evidence.
//
// Every entry is chained to its predecessor; the first entry of a case
// chains to the Genesis sentinel. Entries are never updated or deleted.
// Closing a case computes a seal over the full chain, after which further
// appends are rejected.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/clerkwell/docket/pkg/canonicalize"
)

// Genesis is the hash_prev sentinel of the first event of every case.
const Genesis = "genesis"

// MaxPayloadBytes bounds the serialized payload of a single event.
// Large artifacts are stored externally and referenced by content hash.
const MaxPayloadBytes = 256 * 1024

// EventType categorizes ledger events. Each type has a payload schema;
// unknown types fall back to the generic object schema.
type EventType string

const (
	EventCaseOpened          EventType = "case_opened"
	EventStageResultRecorded EventType = "stage_result_recorded"
	EventStageFailed         EventType = "stage_failed"
	EventStageSkipped        EventType = "stage_skipped"
	EventForcedResume        EventType = "forced_resume"
	EventCaseCancelled       EventType = "case_cancelled"
	EventArtifactAttached    EventType = "artifact_attached"
)

// Event is a single immutable entry in a case chain.
type Event struct {
	ID          string          `json:"id"`
	CaseID      string          `json:"case_id"`
	Seq         uint64          `json:"seq"`
	Type        EventType       `json:"type"`
	Actor       string          `json:"actor"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	HashSelf    string          `json:"hash_self"`
	HashPrev    string          `json:"hash_prev"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Draft is the caller-supplied portion of an event. Sequence, hashes and
// timestamps are assigned by the store at append time.
type Draft struct {
	Type        EventType
	Actor       string
	Title       string
	Description string
	// Payload may be any JSON-serializable value; nil becomes {}.
	Payload interface{}
}

// hashInput is the exact tuple covered by hash_self. The wall-clock
// timestamp is deliberately excluded so that replaying the same logical
// events reproduces the same chain.
type hashInput struct {
	CaseID      string          `json:"case_id"`
	Type        EventType       `json:"type"`
	Actor       string          `json:"actor"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	HashPrev    string          `json:"hash_prev"`
}

// ComputeHash recomputes hash_self from an event's hashed fields.
func ComputeHash(e *Event) (string, error) {
	return canonicalize.CanonicalHash(hashInput{
		CaseID:      e.CaseID,
		Type:        e.Type,
		Actor:       e.Actor,
		Title:       e.Title,
		Description: e.Description,
		Payload:     e.Payload,
		HashPrev:    e.HashPrev,
	})
}

// ComputeSeal derives the case seal from the ordered event hashes:
// SHA-256 over the concatenation of every hash_self in sequence order.
func ComputeSeal(hashes []string) string {
	var joined []byte
	for _, h := range hashes {
		joined = append(joined, h...)
	}
	return canonicalize.HashBytes(joined)
}
