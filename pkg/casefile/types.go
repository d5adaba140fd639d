// Package casefile is the queryable projection of case and stage state.
//
// The ledger remains the source of truth: every mutation here rides in
// the same transaction as its ledger event, so projection state without
// a corresponding chain entry is unrepresentable.
package casefile

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrCaseNotFound is returned when no case row exists for an id.
var ErrCaseNotFound = errors.New("case not found")

// Status is the lifecycle state of a case.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether a status closes the case.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decision is a stage outcome produced by a Reasoner.
type Decision string

const (
	DecisionApprove           Decision = "approve"
	DecisionReject            Decision = "reject"
	DecisionRequestAdjustment Decision = "request_adjustment"
	DecisionPending           Decision = "pending"
)

// Case is the materialized head state of one deliberation.
type Case struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	CurrentStage string     `json:"current_stage"`
	SealHash     string     `json:"seal_hash,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// StageResult is one recorded stage attempt, paired 1:1 with a
// stage_result_recorded ledger event.
type StageResult struct {
	CaseID    string    `json:"case_id"`
	StageID   string    `json:"stage_id"`
	Attempt   int       `json:"attempt"`
	AgentID   string    `json:"agent_id"`
	Decision  Decision  `json:"decision"`
	Analysis  string    `json:"analysis"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment references one piece of evidence stored outside the
// ledger. The chain carries the ref; the artifact store holds the bytes.
type Attachment struct {
	Ref       string `json:"ref"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// State is a full snapshot of a case and its stage results.
type State struct {
	Case    Case          `json:"case"`
	Results []StageResult `json:"results"`
}

// StageRef names one stage of a workflow and its responsible agent.
type StageRef struct {
	ID    string `json:"id"`
	Agent string `json:"agent"`
}

// WorkflowRecord is the immutable workflow snapshot persisted with a
// case at creation. Raw carries the complete definition document so the
// engine can restore guards and per-stage settings on resume.
type WorkflowRecord struct {
	Name    string                 `json:"name"`
	Stages  []StageRef             `json:"stages"`
	Context map[string]interface{} `json:"context,omitempty"`
	Raw     json.RawMessage        `json:"raw,omitempty"`
}

// StageIDs returns the ordered stage ids.
func (w *WorkflowRecord) StageIDs() []string {
	ids := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		ids[i] = s.ID
	}
	return ids
}

// Transition is the projection update accompanying a recorded event.
type Transition struct {
	Status       Status
	CurrentStage string
}
