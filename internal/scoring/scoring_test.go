package scoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"guardian/internal/models"
)

func ev(seq int64, app models.SourceApp, sev models.Severity) models.SeverityEvent {
	return models.SeverityEvent{Seq: seq, SubjectID: "s1", SourceApp: app, Severity: sev}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		events     []models.SeverityEvent
		wantSafety int
		wantPerApp map[models.SourceApp]int
	}{
		{
			name:       "empty log is fully safe",
			events:     nil,
			wantSafety: 100,
			wantPerApp: map[models.SourceApp]int{models.AppWhatsApp: 100, models.AppTelegram: 100, models.AppOther: 100},
		},
		{
			name:       "one high on whatsapp",
			events:     []models.SeverityEvent{ev(1, models.AppWhatsApp, models.SeverityHigh)},
			wantSafety: 50,
			wantPerApp: map[models.SourceApp]int{models.AppWhatsApp: 50, models.AppTelegram: 100, models.AppOther: 100},
		},
		{
			name: "two highs across apps compound",
			events: []models.SeverityEvent{
				ev(1, models.AppWhatsApp, models.SeverityHigh),
				ev(2, models.AppTelegram, models.SeverityHigh),
			},
			wantSafety: 0,
			wantPerApp: map[models.SourceApp]int{models.AppWhatsApp: 50, models.AppTelegram: 50, models.AppOther: 100},
		},
		{
			name: "mediums deduct five and lows nothing",
			events: []models.SeverityEvent{
				ev(1, models.AppOther, models.SeverityMedium),
				ev(2, models.AppOther, models.SeverityMedium),
				ev(3, models.AppOther, models.SeverityLow),
			},
			wantSafety: 90,
			wantPerApp: map[models.SourceApp]int{models.AppWhatsApp: 100, models.AppTelegram: 100, models.AppOther: 90},
		},
		{
			name: "clamped at zero",
			events: []models.SeverityEvent{
				ev(1, models.AppWhatsApp, models.SeverityHigh),
				ev(2, models.AppWhatsApp, models.SeverityHigh),
				ev(3, models.AppWhatsApp, models.SeverityHigh),
			},
			wantSafety: 0,
			wantPerApp: map[models.SourceApp]int{models.AppWhatsApp: 0, models.AppTelegram: 100, models.AppOther: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.events)
			assert.Equal(t, tt.wantSafety, got.SafetyPercentage)
			assert.Equal(t, tt.wantPerApp, got.PerApp)
			assert.Equal(t, len(tt.events), got.EventCount)
		})
	}
}

func TestTallyMatchesFullReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	severities := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh}

	for run := 0; run < 200; run++ {
		n := rng.Intn(40)
		events := make([]models.SeverityEvent, 0, n)
		var tally Tally
		for i := 0; i < n; i++ {
			e := ev(int64(i+1), models.SourceApps[rng.Intn(len(models.SourceApps))], severities[rng.Intn(len(severities))])
			events = append(events, e)
			tally.Apply(e)

			// every prefix agrees, not just the final state
			assert.Equal(t, Score(events), tally.Result())
		}

		full := Score(events)
		assert.Equal(t, full, Score(events), "replaying the same log twice must agree")
		assert.GreaterOrEqual(t, full.SafetyPercentage, 0)
		assert.LessOrEqual(t, full.SafetyPercentage, 100)
		for _, pct := range full.PerApp {
			assert.GreaterOrEqual(t, pct, 0)
			assert.LessOrEqual(t, pct, 100)
		}
	}
}

func TestTallyLastSeq(t *testing.T) {
	var tally Tally
	assert.Equal(t, int64(0), tally.LastSeq())
	tally.Apply(ev(1, models.AppOther, models.SeverityLow))
	tally.Apply(ev(2, models.AppOther, models.SeverityLow))
	assert.Equal(t, int64(2), tally.LastSeq())
	assert.Equal(t, 100, tally.SafetyPercentage())
}

func TestDeriveSeverity(t *testing.T) {
	tests := []struct {
		name   string
		insult float64
		threat float64
		want   models.Severity
	}{
		{"benign", 0.1, 0.1, models.SeverityLow},
		{"medium insult", 0.45, 0.0, models.SeverityMedium},
		{"high insult", 0.9, 0.0, models.SeverityHigh},
		{"threat weighted into high", 0.0, 0.6, models.SeverityHigh},
		{"threat weighted into medium", 0.0, 0.35, models.SeverityMedium},
		{"exact high boundary", 0.7, 0.0, models.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveSeverity(tt.insult, tt.threat, DefaultThresholds))
		})
	}
}
