package models

import "time"

// Source names a signal source; each runs its own scan loop.
type Source string

const (
	SourceConfluence Source = "confluence"
	SourceFedEvent   Source = "fedwatch"
	SourceHeadline   Source = "headlines"
)

// AllSources lists the sources in scan-loop order.
func AllSources() []Source {
	return []Source{SourceConfluence, SourceFedEvent, SourceHeadline}
}

// AlertKind tells the transport how to treat a delivery request.
type AlertKind string

const (
	KindConfluenceSetup AlertKind = "confluence_setup"
	KindScanSummary     AlertKind = "scan_summary"
	KindFedReminder     AlertKind = "fed_reminder"
	KindHeadline        AlertKind = "headline"
	KindDiagnostic      AlertKind = "diagnostic"
)

// Candidate is a detected item waiting for the cooldown decision.
type Candidate struct {
	Source     Source
	Key        string
	Summary    string // one plain-text line for the journal
	Payload    any
	DetectedAt time.Time
	Score      float64
}

// CooldownEntry records when a fingerprint was last alerted.
type CooldownEntry struct {
	Fingerprint   string
	LastAlertedAt time.Time
}

// DeliveryRequest is handed to the messaging transport.
// ID is the idempotency key: a transport never resends an ID it delivered.
type DeliveryRequest struct {
	ID          string
	ChatTarget  string
	Text        string
	Image       []byte
	Kind        AlertKind
	Fingerprint string
}

// AlertRecord is one journal row for an alert the engine tried to deliver.
type AlertRecord struct {
	ID          string    `json:"id"`
	Source      Source    `json:"source"`
	Kind        AlertKind `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Summary     string    `json:"summary"`
	Text        string    `json:"text"`
	Delivered   bool      `json:"delivered"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
