package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventEnhancementStarted   EventType = "enhancement.started"
	EventEnhancementProgress  EventType = "enhancement.progress"
	EventEnhancementCompleted EventType = "enhancement.completed"
	EventEnhancementFailed    EventType = "enhancement.failed"
	EventDocumentUploaded     EventType = "document.uploaded"
	EventDocumentAnalyzed     EventType = "document.analyzed"
	EventExportCompleted      EventType = "export.completed"
)

var EventTypes = []EventType{
	EventEnhancementStarted,
	EventEnhancementProgress,
	EventEnhancementCompleted,
	EventEnhancementFailed,
	EventDocumentUploaded,
	EventDocumentAnalyzed,
	EventExportCompleted,
}

func (t EventType) Known() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// EventData is the closed set of payload shapes. Each type reports the event
// type it belongs to so mismatches are caught at fan-out.
type EventData interface {
	EventType() EventType
}

type EnhancementStarted struct {
	RunID      string `json:"run_id"`
	DocumentID string `json:"document_id"`
	Tier       Tier   `json:"tier"`
}

type EnhancementProgress struct {
	RunID      string `json:"run_id"`
	DocumentID string `json:"document_id"`
	Stage      Stage  `json:"stage"`
	Progress   int    `json:"progress"`
}

type EnhancementCompleted struct {
	RunID      string            `json:"run_id"`
	DocumentID string            `json:"document_id"`
	Outputs    map[string]string `json:"outputs"`
}

type EnhancementFailed struct {
	RunID      string `json:"run_id"`
	DocumentID string `json:"document_id"`
	Stage      Stage  `json:"stage"`
	Reason     string `json:"reason"`
}

type DocumentUploaded struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
}

type DocumentAnalyzed struct {
	RunID          string            `json:"run_id"`
	DocumentID     string            `json:"document_id"`
	OutputLocation string            `json:"output_location"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ExportCompleted struct {
	RunID      string            `json:"run_id"`
	DocumentID string            `json:"document_id"`
	Location   string            `json:"location"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (EnhancementStarted) EventType() EventType   { return EventEnhancementStarted }
func (EnhancementProgress) EventType() EventType  { return EventEnhancementProgress }
func (EnhancementCompleted) EventType() EventType { return EventEnhancementCompleted }
func (EnhancementFailed) EventType() EventType    { return EventEnhancementFailed }
func (DocumentUploaded) EventType() EventType     { return EventDocumentUploaded }
func (DocumentAnalyzed) EventType() EventType     { return EventDocumentAnalyzed }
func (ExportCompleted) EventType() EventType      { return EventExportCompleted }

// Event is a domain event raised by the pipeline and fanned out to webhooks.
type Event struct {
	ID        string
	Type      EventType
	OwnerID   string
	Tier      Tier
	Timestamp time.Time
	Data      EventData
}

var eventNamespace = uuid.MustParse("6f1c3c8e-4d53-4d59-9a39-2b8f3e0f6a11")

// NewEvent builds an event whose ID is derived from key, so re-raising the same
// logical event yields the same ID.
func NewEvent(key, ownerID string, tier Tier, at time.Time, data EventData) Event {
	return Event{
		ID:        uuid.NewSHA1(eventNamespace, []byte(key+"|"+string(data.EventType()))).String(),
		Type:      data.EventType(),
		OwnerID:   ownerID,
		Tier:      tier,
		Timestamp: at.UTC(),
		Data:      data,
	}
}

// DeriveID returns a stable UUID for the given parts.
func DeriveID(parts ...string) string {
	var b []byte
	for i, p := range parts {
		if i > 0 {
			b = append(b, '|')
		}
		b = append(b, p...)
	}
	return uuid.NewSHA1(eventNamespace, b).String()
}

func (e Event) Validate() error {
	if e.ID == "" {
		return Invalid("id", "required")
	}
	if !e.Type.Known() {
		return Invalid("type", "unknown event type %q", e.Type)
	}
	if e.Data == nil {
		return Invalid("data", "required")
	}
	if e.Data.EventType() != e.Type {
		return Invalid("data", "payload %T does not belong to %s", e.Data, e.Type)
	}
	return nil
}

// Envelope is the JSON body delivered to subscribers.
type Envelope struct {
	Event     EventType `json:"event"`
	Timestamp string    `json:"timestamp"`
	Data      EventData `json:"data"`
}

func (e Event) MarshalEnvelope() ([]byte, error) {
	b, err := json.Marshal(Envelope{
		Event:     e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      e.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return b, nil
}
