// Package webhook mints resume ids, builds webhook URLs and tracks the
// lifecycle of registered webhooks. The runner's webhook router stores
// Records; the engine itself never imports this package.
package webhook

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pranaflow/prana/internal/shared/errs"
)

// Kind selects the webhook URL family.
type Kind string

const (
	KindTrigger Kind = "trigger"
	KindResume  Kind = "resume"
)

// Status of a registered webhook.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// tokenBytes sizes the random part of a resume id.
const tokenBytes = 8

// GenerateResumeID mints "{execution_id}_{token}" where the token is 8
// url-safe random bytes.
func GenerateResumeID(executionID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate resume token: %w", err)
	}
	return executionID + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ParseResumeID splits a resume id into execution id and token. Execution
// ids contain underscores themselves, so the token is everything after the
// last one.
func ParseResumeID(resumeID string) (executionID, token string, err error) {
	i := strings.LastIndex(resumeID, "_")
	if i <= 0 || i == len(resumeID)-1 {
		return "", "", errs.Newf(errs.CodeInvalidResumeID, "malformed resume id %q", resumeID).
			WithDetail("resume_id", resumeID)
	}
	return resumeID[:i], resumeID[i+1:], nil
}

// BuildWebhookURL produces "{base}/webhook/workflow/{kind}/{id}".
func BuildWebhookURL(base string, kind Kind, id string) string {
	return fmt.Sprintf("%s/webhook/workflow/%s/%s", strings.TrimRight(base, "/"), kind, id)
}

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusActive, StatusConsumed, StatusExpired:
		return Status(s), nil
	}
	return "", errs.Newf(errs.CodeInvalidWebhookState, "unknown webhook status %q", s)
}

// transitions lists the allowed status moves. Self transitions are always
// allowed as idempotent no-ops.
var transitions = map[Status][]Status{
	StatusPending:  {StatusActive, StatusExpired},
	StatusActive:   {StatusConsumed, StatusExpired},
	StatusConsumed: {},
	StatusExpired:  {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	allowed, known := transitions[from]
	if !known {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status move and returns the new status.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, errs.Newf(errs.CodeInvalidStateTransition, "webhook cannot move from %q to %q", from, to).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return to, nil
}

// Record is one registered webhook. Trigger records belong to a workflow;
// resume records belong to one suspended execution and node.
type Record struct {
	ID          string
	Kind        Kind
	WorkflowID  string
	ExecutionID string
	NodeKey     string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	ConsumedAt  *time.Time
}

// NewRecord registers a webhook in the pending state.
func NewRecord(kind Kind, id, workflowID, executionID, nodeKey string, now time.Time) *Record {
	return &Record{
		ID:          id,
		Kind:        kind,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		NodeKey:     nodeKey,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// Activate arms the webhook to accept hits.
func (r *Record) Activate() error {
	next, err := Transition(r.Status, StatusActive)
	if err != nil {
		return err
	}
	r.Status = next
	return nil
}

// Consume marks a hit webhook used up.
func (r *Record) Consume(now time.Time) error {
	next, err := Transition(r.Status, StatusConsumed)
	if err != nil {
		return err
	}
	r.Status = next
	if r.ConsumedAt == nil {
		t := now
		r.ConsumedAt = &t
	}
	return nil
}

// Expire retires a webhook that outlived its window.
func (r *Record) Expire() error {
	next, err := Transition(r.Status, StatusExpired)
	if err != nil {
		return err
	}
	r.Status = next
	return nil
}

// ExpiredAt reports whether the record's advisory expiry has passed.
func (r *Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Acceptable reports whether a hit on this record may resume or trigger
// work: the record must be active and not past its expiry.
func (r *Record) Acceptable(now time.Time) error {
	if r.Status != StatusActive {
		return errs.Newf(errs.CodeInvalidWebhookState, "webhook %q is %s", r.ID, r.Status).
			WithDetail("webhook_id", r.ID).
			WithDetail("status", string(r.Status))
	}
	if r.ExpiredAt(now) {
		return errs.Newf(errs.CodeInvalidWebhookState, "webhook %q expired", r.ID).
			WithDetail("webhook_id", r.ID)
	}
	return nil
}
