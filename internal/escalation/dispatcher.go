// Package escalation decides when a blocking incident notifies the
// subject's trusted contact and delivers those notices in the background.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"guardian/internal/models"
	"guardian/internal/notifier"
	"guardian/internal/repository"
)

var ErrClosed = errors.New("dispatcher is closed")

// Config tunes delivery. Zero values fall back to the defaults below.
type Config struct {
	Cooldown        time.Duration
	Workers         int
	QueueSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RatePerSecond   float64
	Burst           int
	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

type job struct {
	recordID     string
	notification models.Notification
}

// Dispatcher records escalation decisions and delivers notifications with
// bounded retry. Delivery never feeds back into access state.
type Dispatcher struct {
	cfg      Config
	repo     repository.EscalationRepository
	notifier notifier.Notifier
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts cfg.Workers delivery goroutines. Call Close to stop them.
func NewDispatcher(cfg Config, repo repository.EscalationRepository, n notifier.Notifier, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:      cfg,
		repo:     repo,
		notifier: n,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:   logger,
		now:      time.Now,
		jobs:     make(chan job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "escalation-notifier",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// a bad address says nothing about the gateway's health
			return err == nil || errors.Is(err, notifier.ErrPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notifier circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Escalate is called by the engine, under the subject's lock, for a High
// event that just blocked the subject. It records the decision and, when a
// notice is due, sets profile.LastEscalationAt and queues delivery without
// blocking. The caller persists the profile.
func (d *Dispatcher) Escalate(ctx context.Context, profile *models.SubjectProfile, event models.SeverityEvent) (*models.EscalationRecord, error) {
	now := d.now().UTC()
	rec := &models.EscalationRecord{
		SubjectID: profile.SubjectID,
		EventID:   event.EventID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch {
	case d.inCooldown(profile, now):
		rec.Status = models.EscalationSuppressed
	case profile.TrustedContact == nil || profile.TrustedContact.Address == "":
		rec.Status = models.EscalationNoContact
	default:
		rec.Status = models.EscalationPending
	}

	if err := d.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record escalation: %w", err)
	}

	if rec.Status != models.EscalationPending {
		d.logger.Info("Escalation not sent",
			zap.String("subject_id", profile.SubjectID),
			zap.String("event_id", event.EventID),
			zap.String("status", string(rec.Status)),
		)
		return rec, nil
	}

	profile.LastEscalationAt = &now

	j := job{
		recordID: rec.ID,
		notification: models.Notification{
			TrustedContact:  *profile.TrustedContact,
			SubjectID:       profile.SubjectID,
			IncidentSummary: IncidentSummary(profile.SubjectID, event),
		},
	}
	if err := d.enqueue(j); err != nil {
		d.logger.Error("Escalation dropped before delivery",
			zap.String("subject_id", profile.SubjectID),
			zap.String("escalation_id", rec.ID),
			zap.Error(err),
		)
		rec.Status = models.EscalationDropped
		rec.LastError = err.Error()
		if uerr := d.repo.UpdateStatus(ctx, rec.ID, rec.Status, 0, rec.LastError); uerr != nil {
			return rec, fmt.Errorf("record dropped escalation: %w", uerr)
		}
	}
	return rec, nil
}

func (d *Dispatcher) inCooldown(profile *models.SubjectProfile, now time.Time) bool {
	if d.cfg.Cooldown <= 0 || profile.LastEscalationAt == nil {
		return false
	}
	return now.Sub(*profile.LastEscalationAt) < d.cfg.Cooldown
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return errors.New("escalation queue is full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	attempts := 0
	op := func() error {
		attempts++
		if err := d.limiter.Wait(d.ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.notifier.Notify(d.ctx, j.notification)
		})
		if errors.Is(err, notifier.ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialInterval
	eb.MaxInterval = d.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxAttempts-1)), d.ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		d.logger.Warn("Escalation delivery failed, retrying",
			zap.String("escalation_id", j.recordID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	status := models.EscalationDelivered
	lastErr := ""
	if err != nil {
		status = models.EscalationDropped
		lastErr = err.Error()
		d.logger.Error("Escalation dropped after retries",
			zap.String("escalation_id", j.recordID),
			zap.String("subject_id", j.notification.SubjectID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		d.logger.Info("Escalation delivered",
			zap.String("escalation_id", j.recordID),
			zap.String("subject_id", j.notification.SubjectID),
			zap.Int("attempts", attempts),
		)
	}

	// the dispatcher context may already be cancelled during shutdown
	if uerr := d.repo.UpdateStatus(context.Background(), j.recordID, status, attempts, lastErr); uerr != nil {
		d.logger.Error("Failed to update escalation record", zap.String("escalation_id", j.recordID), zap.Error(uerr))
	}
}

// Close stops accepting work and waits for queued deliveries. If ctx ends
// first, in-flight retries are cancelled and recorded as dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// IncidentSummary is the text sent to the trusted contact. It never
// includes message content, which this service does not have.
func IncidentSummary(subjectID string, e models.SeverityEvent) string {
	category := e.Category
	if category == "" {
		category = "unspecified"
	}
	return fmt.Sprintf("Access for %s was blocked after a %s severity %q event from %s at %s. Review the dashboard and unlock when resolved.",
		subjectID, e.Severity, category, e.SourceApp, e.Timestamp.UTC().Format(time.RFC3339))
}
