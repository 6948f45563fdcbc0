package notifier

import (
	"context"

	"go.uber.org/zap"

	"guardian/internal/models"
)

// LogNotifier writes the notification to the log instead of sending it.
// It is what runs when no channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	l.logger.Warn("Escalation notice (no delivery channel configured)",
		zap.String("subject_id", n.SubjectID),
		zap.String("contact_name", n.TrustedContact.Name),
		zap.String("summary", n.IncidentSummary),
	)
	return nil
}
