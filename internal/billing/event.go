// Package billing records usage events durably and delivers them to the
// billing endpoint at least once. Recording is decoupled from the request
// path: handlers enqueue, a writer persists, and a deliverer drains.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event statuses. An event moves pending → processing → sent; delivery
// failures return it to error with a backoff before the next attempt.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusError      = "error"
)

// Event is one billable unit of work.
type Event struct {
	// ID doubles as the idempotency key: the store ignores duplicate
	// inserts and the billing endpoint deduplicates on it.
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	RequestID string    `json:"requestId"`
	Metadata  Metadata  `json:"metadata"`
	Status    string    `json:"status"`
	Attempts  int       `json:"deliveryAttempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	SentAt    time.Time `json:"sentAt,omitzero"`
}

// Metadata is a tagged union: exactly one branch is set, matching the
// event's kind.
type Metadata struct {
	Text  *TextMetadata  `json:"text,omitempty"`
	Image *ImageMetadata `json:"image,omitempty"`
}

// TextMetadata describes a text generation.
type TextMetadata struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// ImageMetadata describes an image generation.
type ImageMetadata struct {
	Model  string `json:"model"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Validate checks the union invariant and required fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("billing: event missing id")
	}
	if e.Name == "" {
		return fmt.Errorf("billing: event %s missing name", e.ID)
	}
	if e.UserID == "" {
		return fmt.Errorf("billing: event %s missing userId", e.ID)
	}
	if (e.Metadata.Text == nil) == (e.Metadata.Image == nil) {
		return fmt.Errorf("billing: event %s must carry exactly one metadata kind", e.ID)
	}
	return nil
}

// NewEvent builds a pending event with a fresh idempotency ID.
func NewEvent(name, userID, requestID string, md Metadata) Event {
	now := time.Now().UTC()
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		RequestID: requestID,
		Metadata:  md,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func marshalMetadata(md Metadata) ([]byte, error) {
	return json.Marshal(md)
}

func unmarshalMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if len(raw) == 0 {
		return md, nil
	}
	err := json.Unmarshal(raw, &md)
	return md, err
}
