// Package scoring turns a subject's ordered severity events into safety
// percentages. Everything here is pure: the same log always yields the same
// result, which is what crash recovery and the replay audit rely on.
package scoring

import "guardian/internal/models"

const (
	highDeduction   = 50
	mediumDeduction = 5
	fullSafety      = 100
)

// Result is the score derived from an event log.
type Result struct {
	SafetyPercentage int
	PerApp           map[models.SourceApp]int
	EventCount       int
	LastSeq          int64
}

// Tally accumulates per-app deductions one event at a time.
// The zero value is an empty log.
type Tally struct {
	deductions map[models.SourceApp]int
	total      int
	count      int
	lastSeq    int64
}

// Apply folds one event into the tally.
func (t *Tally) Apply(e models.SeverityEvent) {
	if t.deductions == nil {
		t.deductions = make(map[models.SourceApp]int, len(models.SourceApps))
	}
	d := Deduction(e.Severity)
	t.deductions[e.SourceApp] += d
	t.total += d
	t.count++
	if e.Seq > t.lastSeq {
		t.lastSeq = e.Seq
	}
}

// LastSeq is the highest seq applied so far.
func (t *Tally) LastSeq() int64 { return t.lastSeq }

// SafetyPercentage is 100 minus every app's deduction, clamped.
func (t *Tally) SafetyPercentage() int {
	return clamp(fullSafety - t.total)
}

// Result snapshots the tally.
func (t *Tally) Result() Result {
	perApp := make(map[models.SourceApp]int, len(models.SourceApps))
	for _, app := range models.SourceApps {
		perApp[app] = clamp(fullSafety - t.deductions[app])
	}
	return Result{
		SafetyPercentage: t.SafetyPercentage(),
		PerApp:           perApp,
		EventCount:       t.count,
		LastSeq:          t.lastSeq,
	}
}

// Score recomputes the result from a full log.
func Score(events []models.SeverityEvent) Result {
	var t Tally
	for _, e := range events {
		t.Apply(e)
	}
	return t.Result()
}

// Deduction is how many points one event of the given severity costs.
// Low events stay in history but cost nothing.
func Deduction(s models.Severity) int {
	switch s {
	case models.SeverityHigh:
		return highDeduction
	case models.SeverityMedium:
		return mediumDeduction
	default:
		return 0
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > fullSafety {
		return fullSafety
	}
	return v
}
