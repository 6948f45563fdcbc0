package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SourceApp is the messaging app a severity event was observed in.
type SourceApp string

const (
	AppWhatsApp SourceApp = "WhatsApp"
	AppTelegram SourceApp = "Telegram"
	AppOther    SourceApp = "Other"
)

// SourceApps lists every app in a stable order.
var SourceApps = []SourceApp{AppWhatsApp, AppTelegram, AppOther}

// ParseSourceApp matches an app name case-insensitively.
func ParseSourceApp(s string) (SourceApp, error) {
	for _, app := range SourceApps {
		if strings.EqualFold(strings.TrimSpace(s), string(app)) {
			return app, nil
		}
	}
	return "", fmt.Errorf("unknown source app %q", s)
}

// Severity is the classifier's risk level for one message.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// ParseSeverity matches a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// SeverityEvent is one classifier-produced risk signal. It never carries
// message content and is never modified after it is appended.
type SeverityEvent struct {
	EventID     string    `json:"eventId"`
	Seq         int64     `json:"seq"` // per-subject arrival order, starting at 1
	SubjectID   string    `json:"subjectId"`
	SourceApp   SourceApp `json:"sourceApp"`
	Category    string    `json:"category"`
	Severity    Severity  `json:"severity"`
	InsultScore float64   `json:"insultScore"`
	ThreatScore float64   `json:"threatScore"`
	Timestamp   time.Time `json:"timestamp"`  // device clock, untrusted
	ReceivedAt  time.Time `json:"receivedAt"` // server clock
	DedupKey    string    `json:"dedupKey,omitempty"`
}

// Validate checks the fields a caller controls.
func (e *SeverityEvent) Validate() error {
	if strings.TrimSpace(e.SubjectID) == "" {
		return fmt.Errorf("subjectId is required")
	}
	if _, err := ParseSourceApp(string(e.SourceApp)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	if math.IsNaN(e.InsultScore) || e.InsultScore < 0 || e.InsultScore > 1 {
		return fmt.Errorf("insultScore %v outside [0,1]", e.InsultScore)
	}
	if math.IsNaN(e.ThreatScore) || e.ThreatScore < 0 || e.ThreatScore > 1 {
		return fmt.Errorf("threatScore %v outside [0,1]", e.ThreatScore)
	}
	return nil
}

// IngestInput is an event as submitted by a device, before the store
// assigns identity and order. Severity may be empty, in which case it is
// derived from the scores.
type IngestInput struct {
	SubjectID   string
	SourceApp   string
	Category    string
	Severity    string
	InsultScore float64
	ThreatScore float64
	Timestamp   time.Time
	DedupKey    string
}
