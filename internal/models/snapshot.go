package models

import "time"

// SafetySnapshot is the view served to polling clients. It is recomputed
// from the event log on every read and never stored.
type SafetySnapshot struct {
	SubjectID        string            `json:"subjectId"`
	SafetyPercentage int               `json:"safetyPercentage"`
	PerAppPercentage map[SourceApp]int `json:"perAppPercentage"`
	AccessState      AccessState       `json:"accessState"`
	EventCount       int               `json:"eventCount"`
	AsOfSeq          int64             `json:"asOfSeq"`
	Events           []any             `json:"events"`
}

// AlertView is the reduced event shape a student sees about themselves.
type AlertView struct {
	Category  string    `json:"category"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ReducedView strips everything but category, severity and timestamp.
func (e SeverityEvent) ReducedView() AlertView {
	return AlertView{Category: e.Category, Severity: e.Severity, Timestamp: e.Timestamp}
}
