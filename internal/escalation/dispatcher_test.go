package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"guardian/internal/models"
	"guardian/internal/notifier"
	"guardian/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedNotifier fails the first failures calls with err, then succeeds.
type scriptedNotifier struct {
	failures int32
	err      error
	calls    atomic.Int32
	block    chan struct{}

	mu   sync.Mutex
	sent []models.Notification
}

func (s *scriptedNotifier) Notify(ctx context.Context, n models.Notification) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := s.calls.Add(1)
	if call <= s.failures {
		return s.err
	}
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

func fastConfig() Config {
	return Config{
		Workers:         1,
		QueueSize:       4,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RatePerSecond:   1000,
		Burst:           10,
		BreakerFailures: 100,
		BreakerTimeout:  time.Second,
	}
}

func profileWithContact() *models.SubjectProfile {
	return &models.SubjectProfile{
		SubjectID:      "s-1",
		GuardianID:     "g-1",
		TrustedContact: &models.TrustedContact{Name: "Aunt May", Address: "may@example.com"},
		AccessState:    models.AccessBlocked,
	}
}

func highEvent() models.SeverityEvent {
	return models.SeverityEvent{
		EventID:   "evt-1",
		Seq:       2,
		SubjectID: "s-1",
		SourceApp: models.AppWhatsApp,
		Category:  "threat",
		Severity:  models.SeverityHigh,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func waitForStatus(t *testing.T, repo repository.EscalationRepository, want models.EscalationStatus) models.EscalationRecord {
	t.Helper()
	var rec models.EscalationRecord
	require.Eventually(t, func() bool {
		list, err := repo.ListBySubject(context.Background(), "s-1")
		if err != nil || len(list) != 1 {
			return false
		}
		rec = list[0]
		return rec.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestDispatcherDeliversAfterRetries(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	n := &scriptedNotifier{failures: 2, err: errors.New("gateway down")}
	d := NewDispatcher(fastConfig(), repo, n, zap.NewNop())

	p := profileWithContact()
	rec, err := d.Escalate(context.Background(), p, highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationPending, rec.Status)
	require.NotNil(t, p.LastEscalationAt)

	got := waitForStatus(t, repo, models.EscalationDelivered)
	assert.Equal(t, 3, got.Attempts)
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, n.sent, 1)
	assert.Equal(t, "s-1", n.sent[0].SubjectID)
	assert.Equal(t, "may@example.com", n.sent[0].TrustedContact.Address)
	assert.Contains(t, n.sent[0].IncidentSummary, "High")
}

func TestDispatcherDropsAfterMaxAttempts(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	n := &scriptedNotifier{failures: 100, err: errors.New("gateway down")}
	d := NewDispatcher(fastConfig(), repo, n, zap.NewNop())

	_, err := d.Escalate(context.Background(), profileWithContact(), highEvent())
	require.NoError(t, err)

	got := waitForStatus(t, repo, models.EscalationDropped)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "gateway down")
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	n := &scriptedNotifier{failures: 100, err: notifier.ErrPermanent}
	d := NewDispatcher(fastConfig(), repo, n, zap.NewNop())

	_, err := d.Escalate(context.Background(), profileWithContact(), highEvent())
	require.NoError(t, err)

	got := waitForStatus(t, repo, models.EscalationDropped)
	assert.Equal(t, 1, got.Attempts)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherNoContact(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	d := NewDispatcher(fastConfig(), repo, &scriptedNotifier{}, zap.NewNop())
	defer d.Close(context.Background())

	p := profileWithContact()
	p.TrustedContact = nil
	rec, err := d.Escalate(context.Background(), p, highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationNoContact, rec.Status)
	assert.Nil(t, p.LastEscalationAt)
}

func TestDispatcherCooldown(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	cfg := fastConfig()
	cfg.Cooldown = time.Hour
	d := NewDispatcher(cfg, repo, &scriptedNotifier{}, zap.NewNop())
	defer d.Close(context.Background())

	recent := time.Now().Add(-10 * time.Minute)
	p := profileWithContact()
	p.LastEscalationAt = &recent

	rec, err := d.Escalate(context.Background(), p, highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationSuppressed, rec.Status)
	assert.Equal(t, recent, *p.LastEscalationAt)

	old := time.Now().Add(-2 * time.Hour)
	p.LastEscalationAt = &old
	rec, err = d.Escalate(context.Background(), p, highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationPending, rec.Status)
}

func TestDispatcherFullQueueDrops(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	cfg := fastConfig()
	cfg.QueueSize = 1
	n := &scriptedNotifier{block: make(chan struct{})}
	d := NewDispatcher(cfg, repo, n, zap.NewNop())

	ctx := context.Background()
	// first job occupies the worker, second fills the queue
	_, err := d.Escalate(ctx, profileWithContact(), highEvent())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.jobs) == 0 }, time.Second, time.Millisecond)
	_, err = d.Escalate(ctx, profileWithContact(), highEvent())
	require.NoError(t, err)

	rec, err := d.Escalate(ctx, profileWithContact(), highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationDropped, rec.Status)

	close(n.block)
	require.NoError(t, d.Close(ctx))

	list, err := repo.ListBySubject(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, models.EscalationDelivered, list[0].Status)
	assert.Equal(t, models.EscalationDelivered, list[1].Status)
	assert.Equal(t, models.EscalationDropped, list[2].Status)
}

func TestDispatcherClose(t *testing.T) {
	repo := repository.NewMemoryEscalationRepository()
	n := &scriptedNotifier{block: make(chan struct{})}
	d := NewDispatcher(fastConfig(), repo, n, zap.NewNop())

	_, err := d.Escalate(context.Background(), profileWithContact(), highEvent())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	waitForStatus(t, repo, models.EscalationDropped)

	rec, err := d.Escalate(context.Background(), profileWithContact(), highEvent())
	require.NoError(t, err)
	assert.Equal(t, models.EscalationDropped, rec.Status)

	// closing twice is a no-op
	require.NoError(t, d.Close(context.Background()))
}

func TestIncidentSummary(t *testing.T) {
	s := IncidentSummary("s-1", highEvent())
	assert.Contains(t, s, "s-1")
	assert.Contains(t, s, "High")
	assert.Contains(t, s, "WhatsApp")
	assert.Contains(t, s, "2026-03-01T12:00:00Z")
}
