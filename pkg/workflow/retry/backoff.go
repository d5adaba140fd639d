// Package retry computes backoff delays for Reasoner retries. Jitter is
// derived deterministically from the attempt identity, so a resumed run
// reproduces the same schedule the crashed run would have used.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy suits LLM-backed reasoners: a few quick retries, capped.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 250, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 3}
}

// Attempt identifies one retry of one stage for jitter seeding.
type Attempt struct {
	CaseID  string
	StageID string
	Index   int // 0-based
}

// Backoff returns the delay before the given attempt: exponential growth
// capped at MaxMs, plus deterministic jitter.
func Backoff(a Attempt, p Policy) time.Duration {
	factor := int64(1)
	if a.Index > 0 {
		if a.Index > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << a.Index
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+jitter(a, p)) * time.Millisecond
}

func jitter(a Attempt, p Policy) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", a.CaseID, a.StageID, a.Index)
	h := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(h[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}
