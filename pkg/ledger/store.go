package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects placeholder syntax. Queries are written with "?" and
// rebound for Postgres, so one store serves both drivers.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Rebind rewrites "?" placeholders to "$N" for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT NOT NULL,
	case_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	hash_self TEXT NOT NULL,
	hash_prev TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (case_id, seq),
	UNIQUE (case_id, hash_prev)
);
CREATE TABLE IF NOT EXISTS seals (
	case_id TEXT NOT NULL,
	seal_hash TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	sealed_at TIMESTAMP NOT NULL,
	superseded INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (case_id, seal_hash)
);
CREATE UNIQUE INDEX IF NOT EXISTS seals_active ON seals (case_id) WHERE superseded = 0;
`

// Store is the SQL-backed, hash-chained event store.
//
// The UNIQUE constraints on (case_id, seq) and (case_id, hash_prev) make
// forked chains unrepresentable at the storage layer: two writers racing
// on the same case cannot both commit a successor to the same head.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewStore creates the event store and ensures its schema exists.
func NewStore(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, clock: time.Now}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, storageErr("migrate", err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// AppendResult reports the identity of a durably appended event.
type AppendResult struct {
	EventID string
	Seq     uint64
	Hash    string
}

// Append validates and appends a single event in its own transaction.
func (s *Store) Append(ctx context.Context, caseID string, d Draft) (*AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	res, err := s.AppendTx(ctx, tx, caseID, d)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	return res, nil
}

// AppendTx appends an event inside a caller-owned transaction. The caller
// commits or rolls back; an event and whatever projection change rides in
// the same transaction land atomically or not at all.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, caseID string, d Draft) (*AppendResult, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: empty case id", ErrInvalidEvent)
	}
	if d.Type == "" {
		return nil, fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	payload, err := normalizePayload(d.Payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadBytes)
	}
	if err := validatePayload(d.Type, payload); err != nil {
		return nil, err
	}

	sealed, err := s.sealedTx(ctx, tx, caseID)
	if err != nil {
		return nil, err
	}
	if sealed {
		return nil, ErrCaseClosed
	}

	prevHash := Genesis
	var prevSeq uint64
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT seq, hash_self FROM events WHERE case_id = ? ORDER BY seq DESC LIMIT 1`), caseID)
	switch err := row.Scan(&prevSeq, &prevHash); {
	case err == sql.ErrNoRows:
		prevHash, prevSeq = Genesis, 0
	case err != nil:
		return nil, storageErr("read head", err)
	}

	event := &Event{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Seq:         prevSeq + 1,
		Type:        d.Type,
		Actor:       d.Actor,
		Title:       d.Title,
		Description: d.Description,
		Payload:     payload,
		HashPrev:    prevHash,
		CreatedAt:   s.clock().UTC(),
	}
	event.HashSelf, err = ComputeHash(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO events (id, case_id, seq, event_type, actor, title, description, payload, hash_self, hash_prev, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.CaseID, event.Seq, string(event.Type), event.Actor,
		event.Title, event.Description, string(event.Payload),
		event.HashSelf, event.HashPrev, event.CreatedAt)
	if err != nil {
		return nil, storageErr("insert event", err)
	}

	return &AppendResult{EventID: event.ID, Seq: event.Seq, Hash: event.HashSelf}, nil
}

func normalizePayload(p interface{}) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not JSON-serializable: %v", ErrInvalidEvent, err)
		}
		return raw, nil
	}
}

// Events returns the full ordered event sequence of a case.
func (s *Store) Events(ctx context.Context, caseID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, case_id, seq, event_type, actor, title, description, payload, hash_self, hash_prev, created_at
		 FROM events WHERE case_id = ? ORDER BY seq ASC`), caseID)
	if err != nil {
		return nil, storageErr("select events", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Seq, &typ, &e.Actor, &e.Title,
			&e.Description, &payload, &e.HashSelf, &e.HashPrev, &e.CreatedAt); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.Type = EventType(typ)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return events, nil
}

// ChainReport is the result of re-walking a case chain.
type ChainReport struct {
	CaseID      string `json:"case_id"`
	Valid       bool   `json:"valid"`
	Length      int    `json:"length"`
	BrokenAtSeq int64  `json:"broken_at_seq"` // -1 when valid
	Reason      string `json:"reason,omitempty"`
}

// VerifyChain re-walks the full sequence, recomputing every hash and the
// prev-hash linkage, and reports the first mismatch. A single snapshot
// read makes it safe to run concurrently with appends.
func (s *Store) VerifyChain(ctx context.Context, caseID string) (*ChainReport, error) {
	events, err := s.Events(ctx, caseID)
	if err != nil {
		return nil, err
	}
	report := &ChainReport{CaseID: caseID, Valid: true, Length: len(events), BrokenAtSeq: -1}

	prev := Genesis
	for i := range events {
		e := &events[i]
		if e.Seq != uint64(i)+1 {
			report.Valid = false
			report.BrokenAtSeq = int64(e.Seq)
			report.Reason = fmt.Sprintf("sequence gap: expected %d, got %d", i+1, e.Seq)
			return report, nil
		}
		if e.HashPrev != prev {
			report.Valid = false
			report.BrokenAtSeq = int64(e.Seq)
			report.Reason = fmt.Sprintf("prev-hash mismatch: expected %s, got %s", prev, e.HashPrev)
			return report, nil
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return nil, fmt.Errorf("%w: recompute seq %d: %v", ErrChainBroken, e.Seq, err)
		}
		if computed != e.HashSelf {
			report.Valid = false
			report.BrokenAtSeq = int64(e.Seq)
			report.Reason = fmt.Sprintf("hash mismatch at seq %d", e.Seq)
			return report, nil
		}
		prev = e.HashSelf
	}
	return report, nil
}

// Close seals a case in its own transaction.
func (s *Store) Close(ctx context.Context, caseID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr("begin", err)
	}
	seal, err := s.CloseTx(ctx, tx, caseID)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", storageErr("commit", err)
	}
	return seal, nil
}

// CloseTx computes seal = H(hash_self[1] ++ ... ++ hash_self[n]) in
// sequence order and stores it. Subsequent appends fail with ErrCaseClosed.
func (s *Store) CloseTx(ctx context.Context, tx *sql.Tx, caseID string) (string, error) {
	sealed, err := s.sealedTx(ctx, tx, caseID)
	if err != nil {
		return "", err
	}
	if sealed {
		return "", ErrCaseClosed
	}

	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(
		`SELECT hash_self FROM events WHERE case_id = ? ORDER BY seq ASC`), caseID)
	if err != nil {
		return "", storageErr("select hashes", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return "", storageErr("scan hash", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return "", storageErr("iterate hashes", err)
	}
	if len(hashes) == 0 {
		return "", ErrCaseNotFound
	}

	seal := ComputeSeal(hashes)
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO seals (case_id, seal_hash, event_count, sealed_at, superseded) VALUES (?, ?, ?, ?, 0)`),
		caseID, seal, len(hashes), s.clock().UTC())
	if err != nil {
		return "", storageErr("insert seal", err)
	}
	return seal, nil
}

// SealHash returns the active seal of a case, or "" when it is unsealed.
func (s *Store) SealHash(ctx context.Context, caseID string) (string, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT seal_hash FROM seals WHERE case_id = ? AND superseded = 0`), caseID)
	var seal string
	switch err := row.Scan(&seal); {
	case err == sql.ErrNoRows:
		return "", nil
	case err != nil:
		return "", storageErr("read seal", err)
	}
	return seal, nil
}

// Seals returns every seal ever recorded for a case, oldest first.
// Superseded seals are retained: a forced resume marks the old seal
// superseded rather than deleting it.
func (s *Store) Seals(ctx context.Context, caseID string) ([]Seal, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT case_id, seal_hash, event_count, sealed_at, superseded FROM seals WHERE case_id = ? ORDER BY sealed_at ASC`), caseID)
	if err != nil {
		return nil, storageErr("select seals", err)
	}
	defer func() { _ = rows.Close() }()

	var seals []Seal
	for rows.Next() {
		var sl Seal
		var superseded int
		if err := rows.Scan(&sl.CaseID, &sl.SealHash, &sl.EventCount, &sl.SealedAt, &superseded); err != nil {
			return nil, storageErr("scan seal", err)
		}
		sl.Superseded = superseded != 0
		seals = append(seals, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate seals", err)
	}
	return seals, nil
}

// Seal is one sealing of a case chain.
type Seal struct {
	CaseID     string    `json:"case_id"`
	SealHash   string    `json:"seal_hash"`
	EventCount int       `json:"event_count"`
	SealedAt   time.Time `json:"sealed_at"`
	Superseded bool      `json:"superseded"`
}

// SupersedeSealTx marks the active seal superseded so a forced resume can
// append again. Returns the superseded seal hash, or "" if none existed.
func (s *Store) SupersedeSealTx(ctx context.Context, tx *sql.Tx, caseID string) (string, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT seal_hash FROM seals WHERE case_id = ? AND superseded = 0`), caseID)
	var seal string
	switch err := row.Scan(&seal); {
	case err == sql.ErrNoRows:
		return "", nil
	case err != nil:
		return "", storageErr("read seal", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE seals SET superseded = 1 WHERE case_id = ? AND superseded = 0`), caseID); err != nil {
		return "", storageErr("supersede seal", err)
	}
	return seal, nil
}

func (s *Store) sealedTx(ctx context.Context, tx *sql.Tx, caseID string) (bool, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(1) FROM seals WHERE case_id = ? AND superseded = 0`), caseID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, storageErr("read seal state", err)
	}
	return n > 0, nil
}
