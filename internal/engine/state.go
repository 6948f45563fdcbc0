package engine

import "guardian/internal/models"

// NextState is the access state after a score evaluation. Blocking happens
// only when the score reaches zero; nothing but Unlock ever reactivates.
func NextState(current models.AccessState, safetyPercentage int) models.AccessState {
	if current == models.AccessActive && safetyPercentage <= 0 {
		return models.AccessBlocked
	}
	return current
}

// ShouldEscalate reports whether an ingest qualifies for a notification:
// the event is High and it moved the subject from Active to Blocked.
func ShouldEscalate(sev models.Severity, before, after models.AccessState) bool {
	return sev == models.SeverityHigh && before == models.AccessActive && after == models.AccessBlocked
}
