package scoring

import "guardian/internal/models"

// threatWeight makes threats count for more than insults of the same score.
const threatWeight = 1.2

// Thresholds bound the Medium and High bands of DeriveSeverity.
type Thresholds struct {
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// DefaultThresholds matches the on-device classifier calibration.
var DefaultThresholds = Thresholds{Medium: 0.4, High: 0.7}

// DeriveSeverity maps raw classifier scores onto a severity band. Used when
// a device submits scores without a severity of its own.
func DeriveSeverity(insult, threat float64, th Thresholds) models.Severity {
	risk := insult
	if w := threat * threatWeight; w > risk {
		risk = w
	}
	switch {
	case risk >= th.High:
		return models.SeverityHigh
	case risk >= th.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
