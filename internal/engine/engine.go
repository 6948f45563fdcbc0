// Package engine is the risk aggregation and access-control core. All writes
// to one subject (ingest, unlock) run under that subject's exclusive lock, so
// append, rescoring, state transition and the escalation decision form one
// step relative to other writers. Different subjects never contend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"guardian/internal/dedup"
	"guardian/internal/models"
	"guardian/internal/repository"
	"guardian/internal/scoring"
)

var tracer = otel.Tracer("guardian/internal/engine")

// DefaultDedupWindow is how long a dedup key is remembered when the caller
// supplies no index of its own.
const DefaultDedupWindow = 10 * time.Minute

// Escalator records and dispatches the notification for a blocking incident.
// It may set profile.LastEscalationAt; the engine persists the profile.
type Escalator interface {
	Escalate(ctx context.Context, profile *models.SubjectProfile, event models.SeverityEvent) (*models.EscalationRecord, error)
}

// Options are the policy knobs of the engine.
type Options struct {
	Thresholds scoring.Thresholds
	// DedupWindow is how far back a repeated dedup key counts as a retry.
	// Zero means DefaultDedupWindow.
	DedupWindow time.Duration
	// ResetOnUnlock clears LastEscalationAt on unlock so the next block
	// cycle can notify again regardless of the cool-down.
	ResetOnUnlock bool
}

// IngestResult is what a device sees after submitting an event.
type IngestResult struct {
	Event            models.SeverityEvent
	Duplicate        bool
	SafetyPercentage int
	AccessState      models.AccessState
	Escalation       *models.EscalationRecord
}

// SnapshotRequest identifies who is polling which subject.
type SnapshotRequest struct {
	SubjectID   string
	Role        string
	RequesterID string
	// Limit keeps only the most recent N events in the response; 0 keeps all.
	Limit int
}

type Engine struct {
	events    repository.EventStore
	profiles  repository.ProfileRepository
	dedup     dedup.Index
	escalator Escalator
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	locks *lockTable

	tallyMu sync.Mutex
	tallies map[string]*scoring.Tally
}

// New wires an engine. A nil index gets an in-memory one over the dedup
// window; a nil escalator disables notifications.
func New(events repository.EventStore, profiles repository.ProfileRepository, idx dedup.Index, esc Escalator, opts Options, logger *zap.Logger) *Engine {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if idx == nil {
		idx = dedup.NewMemoryIndex(opts.DedupWindow)
	}
	if opts.Thresholds == (scoring.Thresholds{}) {
		opts.Thresholds = scoring.DefaultThresholds
	}
	return &Engine{
		events:    events,
		profiles:  profiles,
		dedup:     idx,
		escalator: esc,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		locks:     newLockTable(),
		tallies:   make(map[string]*scoring.Tally),
	}
}

// Ingest validates, de-duplicates and appends one event, then rescores the
// subject and applies any state transition before returning.
func (e *Engine) Ingest(ctx context.Context, in models.IngestInput) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Ingest", trace.WithAttributes(attribute.String("subject.id", in.SubjectID)))
	defer span.End()

	event, err := e.buildEvent(in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	unlock := e.locks.Lock(event.SubjectID)
	defer unlock()

	profile, err := e.getProfile(ctx, event.SubjectID)
	if err != nil {
		return nil, err
	}

	tally, err := e.tally(ctx, event.SubjectID)
	if err != nil {
		return nil, err
	}

	if event.DedupKey != "" {
		original, found, err := e.findDuplicate(ctx, event)
		if err != nil {
			return nil, err
		}
		if found {
			span.SetAttributes(attribute.Bool("ingest.duplicate", true))
			if err := e.completeTransition(ctx, profile, original, tally.SafetyPercentage()); err != nil {
				return nil, err
			}
			return &IngestResult{
				Event:            original,
				Duplicate:        true,
				SafetyPercentage: tally.SafetyPercentage(),
				AccessState:      profile.AccessState,
			}, nil
		}
	}

	event.Seq = tally.LastSeq() + 1
	stored, err := e.events.Append(ctx, event)
	if errors.Is(err, repository.ErrSeqConflict) {
		// Only this lock holder may claim the next seq.
		panic(cerrors.AssertionFailedf("subject %s: seq %d already taken under the subject lock: %v", event.SubjectID, event.Seq, err))
	}
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if stored.DedupKey != "" {
		// The stored dedup_key still catches retries if the index misses.
		if err := e.dedup.Remember(ctx, stored.SubjectID, stored.DedupKey, stored.EventID); err != nil {
			e.logger.Warn("Failed to remember dedup key", zap.String("subject_id", stored.SubjectID), zap.Error(err))
		}
	}

	tally.Apply(stored)
	safety := tally.SafetyPercentage()

	result := &IngestResult{Event: stored, SafetyPercentage: safety}

	before := profile.AccessState
	after := NextState(before, safety)
	if after != before {
		now := e.now().UTC()
		profile.AccessState = after
		profile.BlockedAt = &now
		profile.UpdatedAt = now

		e.logger.Info("Subject blocked",
			zap.String("subject_id", stored.SubjectID),
			zap.String("event_id", stored.EventID),
			zap.Int("safety_percentage", safety),
		)

		if ShouldEscalate(stored.Severity, before, after) && e.escalator != nil {
			rec, err := e.escalator.Escalate(ctx, profile, stored)
			if err != nil {
				e.logger.Error("Failed to record escalation", zap.String("subject_id", stored.SubjectID), zap.Error(err))
			}
			result.Escalation = rec
		}

		if err := e.profiles.UpdateState(ctx, profile); err != nil {
			return nil, fmt.Errorf("persist access state: %w", err)
		}
	}

	result.AccessState = profile.AccessState
	span.SetAttributes(
		attribute.Int64("event.seq", stored.Seq),
		attribute.Int("safety.percentage", safety),
		attribute.String("access.state", string(result.AccessState)),
	)
	return result, nil
}

// findDuplicate reports the event an earlier ingest stored under the same
// dedup key within the window. The index answers first; the event log is
// the fallback, so retries stay idempotent across restarts and index
// outages.
func (e *Engine) findDuplicate(ctx context.Context, event models.SeverityEvent) (models.SeverityEvent, bool, error) {
	eventID, found, err := e.dedup.Lookup(ctx, event.SubjectID, event.DedupKey)
	if err != nil {
		e.logger.Warn("Dedup index lookup failed, checking the event log",
			zap.String("subject_id", event.SubjectID),
			zap.Error(err),
		)
	}
	if found {
		return models.SeverityEvent{EventID: eventID, SubjectID: event.SubjectID, DedupKey: event.DedupKey}, true, nil
	}

	since := event.ReceivedAt.Add(-e.opts.DedupWindow)
	original, err := e.events.FindByDedupKey(ctx, event.SubjectID, event.DedupKey, since)
	if errors.Is(err, repository.ErrNotFound) {
		return models.SeverityEvent{}, false, nil
	}
	if err != nil {
		return models.SeverityEvent{}, false, fmt.Errorf("dedup lookup: %w", err)
	}

	if err := e.dedup.Remember(ctx, original.SubjectID, original.DedupKey, original.EventID); err != nil {
		e.logger.Warn("Failed to remember dedup key", zap.String("subject_id", original.SubjectID), zap.Error(err))
	}
	return original, true, nil
}

// completeTransition applies a state change that the original ingest of a
// retried event computed but failed to persist. A change made to the
// profile after that event arrived, such as an unlock, wins. The original
// ingest already took the escalation decision, so none is made here.
func (e *Engine) completeTransition(ctx context.Context, profile *models.SubjectProfile, original models.SeverityEvent, safety int) error {
	after := NextState(profile.AccessState, safety)
	if after == profile.AccessState {
		return nil
	}

	if original.ReceivedAt.IsZero() {
		stored, err := e.events.FindByDedupKey(ctx, original.SubjectID, original.DedupKey, time.Time{})
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load retried event: %w", err)
		}
		original = stored
	}
	if original.ReceivedAt.Before(profile.UpdatedAt) {
		return nil
	}

	now := e.now().UTC()
	profile.AccessState = after
	profile.BlockedAt = &now
	profile.UpdatedAt = now
	if err := e.profiles.UpdateState(ctx, profile); err != nil {
		return fmt.Errorf("persist access state: %w", err)
	}

	e.logger.Info("Subject blocked on retried event",
		zap.String("subject_id", original.SubjectID),
		zap.String("event_id", original.EventID),
		zap.Int("safety_percentage", safety),
	)
	return nil
}

func (e *Engine) buildEvent(in models.IngestInput) (models.SeverityEvent, error) {
	event := models.SeverityEvent{
		SubjectID:   strings.TrimSpace(in.SubjectID),
		Category:    strings.TrimSpace(in.Category),
		InsultScore: in.InsultScore,
		ThreatScore: in.ThreatScore,
		Timestamp:   in.Timestamp.UTC(),
		ReceivedAt:  e.now().UTC(),
		DedupKey:    strings.TrimSpace(in.DedupKey),
	}
	if in.Timestamp.IsZero() {
		event.Timestamp = event.ReceivedAt
	}

	app, err := models.ParseSourceApp(in.SourceApp)
	if err != nil {
		return event, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	event.SourceApp = app

	if strings.TrimSpace(in.Severity) == "" {
		event.Severity = scoring.DeriveSeverity(in.InsultScore, in.ThreatScore, e.opts.Thresholds)
	} else {
		sev, err := models.ParseSeverity(in.Severity)
		if err != nil {
			return event, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		event.Severity = sev
	}

	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return event, nil
}

func (e *Engine) getProfile(ctx context.Context, subjectID string) (*models.SubjectProfile, error) {
	profile, err := e.profiles.Get(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}

// denyUnknown turns a missing subject into an authorization failure on the
// read and unlock paths, so callers cannot tell which subject ids exist.
func denyUnknown(err error) error {
	if errors.Is(err, ErrSubjectNotFound) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

// tally returns the subject's running tally, replaying the log the first
// time the subject is touched. Callers hold the subject's write lock.
func (e *Engine) tally(ctx context.Context, subjectID string) (*scoring.Tally, error) {
	e.tallyMu.Lock()
	t, ok := e.tallies[subjectID]
	e.tallyMu.Unlock()
	if ok {
		return t, nil
	}

	t = &scoring.Tally{}
	for event, err := range e.events.ListSince(ctx, subjectID, 0) {
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", subjectID, err)
		}
		t.Apply(event)
	}

	e.tallyMu.Lock()
	e.tallies[subjectID] = t
	e.tallyMu.Unlock()
	return t, nil
}

// Snapshot recomputes the subject's score from its log. The read lock is
// held only to pin the profile and the last seq; events up to that seq are
// then streamed without blocking writers, so the result always reflects a
// whole prefix of the log.
func (e *Engine) Snapshot(ctx context.Context, req SnapshotRequest) (*models.SafetySnapshot, error) {
	ctx, span := tracer.Start(ctx, "engine.Snapshot", trace.WithAttributes(
		attribute.String("subject.id", req.SubjectID),
		attribute.String("requester.role", req.Role),
	))
	defer span.End()

	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, fmt.Errorf("%w: subjectId is required", ErrValidation)
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, fmt.Errorf("%w: requesterId is required", ErrValidation)
	}
	if req.Role != models.RoleGuardian && req.Role != models.RoleStudent {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, req.Role)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}

	profile, asOfSeq, err := e.pin(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	switch req.Role {
	case models.RoleGuardian:
		if req.RequesterID != profile.GuardianID {
			return nil, fmt.Errorf("%w: guardian %s does not own %s", ErrUnauthorized, req.RequesterID, req.SubjectID)
		}
	case models.RoleStudent:
		if req.RequesterID != profile.SubjectID {
			return nil, fmt.Errorf("%w: student %s may only read their own snapshot", ErrUnauthorized, req.RequesterID)
		}
	}

	var tally scoring.Tally
	var events []models.SeverityEvent
	for event, err := range e.events.ListSince(ctx, req.SubjectID, 0) {
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		if event.Seq > asOfSeq {
			break
		}
		tally.Apply(event)
		events = append(events, event)
	}

	if req.Limit > 0 && len(events) > req.Limit {
		events = events[len(events)-req.Limit:]
	}

	view := make([]any, 0, len(events))
	for _, event := range events {
		if req.Role == models.RoleStudent {
			view = append(view, event.ReducedView())
		} else {
			view = append(view, event)
		}
	}

	res := tally.Result()
	span.SetAttributes(attribute.Int64("snapshot.as_of_seq", asOfSeq))
	return &models.SafetySnapshot{
		SubjectID:        req.SubjectID,
		SafetyPercentage: res.SafetyPercentage,
		PerAppPercentage: res.PerApp,
		AccessState:      profile.AccessState,
		EventCount:       res.EventCount,
		AsOfSeq:          asOfSeq,
		Events:           view,
	}, nil
}

func (e *Engine) pin(ctx context.Context, subjectID string) (*models.SubjectProfile, int64, error) {
	unlock := e.locks.RLock(subjectID)
	defer unlock()

	profile, err := e.getProfile(ctx, subjectID)
	if err != nil {
		return nil, 0, denyUnknown(err)
	}
	asOfSeq, err := e.events.LastSeq(ctx, subjectID)
	if err != nil {
		return nil, 0, fmt.Errorf("read last seq: %w", err)
	}
	return profile, asOfSeq, nil
}

// Unlock returns a blocked subject to Active. It is the only client write
// to access state, is idempotent, and never touches the event log.
func (e *Engine) Unlock(ctx context.Context, subjectID, guardianID string) (models.AccessState, error) {
	ctx, span := tracer.Start(ctx, "engine.Unlock", trace.WithAttributes(attribute.String("subject.id", subjectID)))
	defer span.End()

	if strings.TrimSpace(guardianID) == "" {
		return "", fmt.Errorf("%w: guardianId is required", ErrValidation)
	}

	unlock := e.locks.Lock(subjectID)
	defer unlock()

	profile, err := e.getProfile(ctx, subjectID)
	if err != nil {
		return "", denyUnknown(err)
	}
	if profile.GuardianID != guardianID {
		e.logger.Warn("Rejected unlock from non-owning guardian",
			zap.String("subject_id", subjectID),
			zap.String("guardian_id", guardianID),
		)
		return profile.AccessState, fmt.Errorf("%w: guardian %s does not own %s", ErrUnauthorized, guardianID, subjectID)
	}

	if profile.AccessState == models.AccessActive {
		return models.AccessActive, nil
	}

	profile.AccessState = models.AccessActive
	profile.BlockedAt = nil
	if e.opts.ResetOnUnlock {
		profile.LastEscalationAt = nil
	}
	profile.UpdatedAt = e.now().UTC()

	if err := e.profiles.UpdateState(ctx, profile); err != nil {
		return "", fmt.Errorf("persist access state: %w", err)
	}

	e.logger.Info("Subject unlocked", zap.String("subject_id", subjectID), zap.String("guardian_id", guardianID))
	return models.AccessActive, nil
}

// Replay recomputes a subject's score twice from the stored log, once as a
// batch and once event by event. The two results must agree.
func (e *Engine) Replay(ctx context.Context, subjectID string) (full, incremental scoring.Result, err error) {
	var events []models.SeverityEvent
	var tally scoring.Tally
	for event, err := range e.events.ListSince(ctx, subjectID, 0) {
		if err != nil {
			return scoring.Result{}, scoring.Result{}, fmt.Errorf("replay %s: %w", subjectID, err)
		}
		events = append(events, event)
		tally.Apply(event)
	}
	return scoring.Score(events), tally.Result(), nil
}
