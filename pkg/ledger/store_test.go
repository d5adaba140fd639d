package ledger

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db, DialectSQLite)
	require.NoError(t, err)
	return s
}

func (s *Store) mustAppend(t *testing.T, caseID string, typ EventType, payload interface{}) *AppendResult {
	t.Helper()
	res, err := s.Append(context.Background(), caseID, Draft{
		Type:    typ,
		Actor:   "system",
		Title:   string(typ),
		Payload: payload,
	})
	require.NoError(t, err)
	return res
}

func TestAppendChainsFromGenesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.mustAppend(t, "c1", "note", map[string]interface{}{"n": 1})
	s.mustAppend(t, "c1", "note", map[string]interface{}{"n": 2})
	s.mustAppend(t, "c1", "note", map[string]interface{}{"n": 3})

	events, err := s.Events(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, Genesis, events[0].HashPrev)
	for k := 1; k < len(events); k++ {
		assert.Equal(t, events[k-1].HashSelf, events[k].HashPrev, "event %d must chain to predecessor", k)
	}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	s := newTestStore(t)

	r1 := s.mustAppend(t, "c1", "note", nil)
	r2 := s.mustAppend(t, "c1", "note", nil)
	other := s.mustAppend(t, "c2", "note", nil)

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Equal(t, uint64(1), other.Seq, "sequences are per case")
}

func TestAppendRejectsBadDrafts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "c1", Draft{Type: "", Actor: "a", Title: "t"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = s.Append(ctx, "", Draft{Type: "note", Actor: "a", Title: "t"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	big := make([]byte, MaxPayloadBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err = s.Append(ctx, "c1", Draft{Type: "note", Actor: "a", Title: "t",
		Payload: map[string]string{"blob": string(big)}})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestAppendValidatesTypedPayloadSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing required stage_id.
	_, err := s.Append(ctx, "c1", Draft{Type: EventStageFailed, Actor: "engine", Title: "fail",
		Payload: map[string]interface{}{"cause": "timeout"}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	// Extra fields are allowed on known types.
	_, err = s.Append(ctx, "c1", Draft{Type: EventStageFailed, Actor: "engine", Title: "fail",
		Payload: map[string]interface{}{"stage_id": "s1", "cause": "timeout", "hint": "extra"}})
	assert.NoError(t, err)

	// Unknown types take the generic object schema.
	_, err = s.Append(ctx, "c1", Draft{Type: "custom_annotation", Actor: "clerk", Title: "n",
		Payload: map[string]interface{}{"anything": true}})
	assert.NoError(t, err)

	// Attachment refs must be sha256 digests.
	_, err = s.Append(ctx, "c1", Draft{Type: EventArtifactAttached, Actor: "clerk", Title: "a",
		Payload: map[string]interface{}{"ref": "md5:abc", "name": "invoice.pdf", "size": 1}})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = s.Append(ctx, "c1", Draft{Type: EventArtifactAttached, Actor: "clerk", Title: "a",
		Payload: map[string]interface{}{"ref": "sha256:" + strings.Repeat("0f", 32), "name": "invoice.pdf", "size": 1}})
	assert.NoError(t, err)
}

func TestVerifyChainCleanCase(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.mustAppend(t, "c1", "note", map[string]interface{}{"i": i})
	}

	report, err := s.VerifyChain(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Length)
	assert.EqualValues(t, -1, report.BrokenAtSeq)
}

func TestVerifyChainDetectsPayloadTampering(t *testing.T) {
	s := newTestStore(t)
	s.mustAppend(t, "c1", "note", map[string]interface{}{"amount": 100})
	s.mustAppend(t, "c1", "note", map[string]interface{}{"amount": 200})

	// Retroactive payload mutation behind the store's back.
	_, err := s.db.Exec(`UPDATE events SET payload = '{"amount":999}' WHERE case_id = 'c1' AND seq = 1`)
	require.NoError(t, err)

	report, err := s.VerifyChain(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.EqualValues(t, 1, report.BrokenAtSeq)
}

func TestVerifyChainDetectsLinkageTampering(t *testing.T) {
	s := newTestStore(t)
	s.mustAppend(t, "c1", "note", nil)
	s.mustAppend(t, "c1", "note", nil)
	s.mustAppend(t, "c1", "note", nil)

	_, err := s.db.Exec(`UPDATE events SET hash_prev = 'forged' WHERE case_id = 'c1' AND seq = 3`)
	require.NoError(t, err)

	report, err := s.VerifyChain(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.EqualValues(t, 3, report.BrokenAtSeq)
}

func TestCloseSealsAndBlocksAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := s.mustAppend(t, "c1", "note", nil)
	r2 := s.mustAppend(t, "c1", "note", nil)

	seal, err := s.Close(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ComputeSeal([]string{r1.Hash, r2.Hash}), seal)

	stored, err := s.SealHash(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, seal, stored)

	_, err = s.Append(ctx, "c1", Draft{Type: "note", Actor: "a", Title: "t"})
	assert.ErrorIs(t, err, ErrCaseClosed)

	_, err = s.Close(ctx, "c1")
	assert.ErrorIs(t, err, ErrCaseClosed)
}

func TestCloseEmptyCase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Close(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestSupersedeSealReopensChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.mustAppend(t, "c1", "note", nil)
	seal, err := s.Close(ctx, "c1")
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	old, err := s.SupersedeSealTx(ctx, tx, "c1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, seal, old)

	// Chain is appendable again, and the old seal survives as history.
	s.mustAppend(t, "c1", "note", nil)
	seals, err := s.Seals(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, seals, 1)
	assert.True(t, seals[0].Superseded)
}

func TestForkedChainIsUnrepresentable(t *testing.T) {
	s := newTestStore(t)

	r1 := s.mustAppend(t, "c1", "note", nil)
	s.mustAppend(t, "c1", "note", nil)

	// A second successor to the same head violates UNIQUE(case_id, hash_prev).
	_, err := s.db.Exec(
		`INSERT INTO events (id, case_id, seq, event_type, actor, title, description, payload, hash_self, hash_prev, created_at)
		 VALUES ('x', 'c1', 3, 'note', 'a', 't', '', '{}', 'h', ?, ?)`,
		r1.Hash, time.Now().UTC())
	assert.Error(t, err)
}

func TestHashDeterministicAcrossStores(t *testing.T) {
	s1 := newTestStore(t)
	s2 := newTestStore(t)

	a := s1.mustAppend(t, "c1", "note", map[string]interface{}{"k": "v", "n": 3})
	b := s2.mustAppend(t, "c1", "note", map[string]interface{}{"n": 3, "k": "v"})

	assert.Equal(t, a.Hash, b.Hash, "identical logical events must hash identically")
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	q := DialectPostgres.Rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, q)

	assert.Equal(t, `SELECT 1`, DialectSQLite.Rebind(`SELECT 1`))
}
