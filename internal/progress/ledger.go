// Package progress implements the progress ledger: the durable per-learner, per-video watch state
// that decides whether a learner has watched a piece of content to completion.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/lockmap"
	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// ErrMissingID is returned when a tick or completion omits the learner or video id.
var ErrMissingID = errors.New("userId and videoId are required")

// CompletionPublisher receives a record the first time it becomes completed.
type CompletionPublisher interface {
	PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error
}

// Tick is one playback report from the player.
type Tick struct {
	UserID         string  `json:"userId"`
	VideoID        string  `json:"videoId"`
	CourseID       string  `json:"courseId"`
	CurrentTimeSec float64 `json:"currentTime"`
	DurationSec    float64 `json:"duration"`
	IsPlaying      bool    `json:"isPlaying"`
}

// Ledger records watch progress. Writers are serialized per (userID, videoID);
// every accepted write is persisted through the Store before the call returns.
type Ledger struct {
	store   storage.Store
	locks   *lockmap.Map
	pub     CompletionPublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets the receiver of video.completed events.
func WithPublisher(p CompletionPublisher) Option {
	return func(l *Ledger) { l.pub = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store.
func NewLedger(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: lockmap.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(userID, videoID string) string {
	return userID + "\x00" + videoID
}

func validDuration(d float64) bool {
	return d > 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

// clampPosition bounds the playhead to [0, duration]. A NaN playhead reads as 0.
func clampPosition(pos, duration float64) float64 {
	if math.IsNaN(pos) || pos < 0 {
		return 0
	}
	return math.Min(pos, duration)
}

// RecordTick upserts the record for t.VideoID.
//
// The watched time and resume point follow the playhead (last writer wins), while completion
// is the union of the stored flag and the 85% rule, so a record never un-completes.
// A paused tick that matches the stored position and duration is coalesced and not rewritten.
// A non-positive duration fails with *model.InvalidDurationError and leaves the record unchanged.
func (l *Ledger) RecordTick(ctx context.Context, t Tick) (model.VideoProgressRecord, error) {
	if t.UserID == "" || t.VideoID == "" {
		l.metrics.Tick("invalid")
		return model.VideoProgressRecord{}, ErrMissingID
	}
	if !validDuration(t.DurationSec) {
		l.metrics.Tick("invalid")
		return model.VideoProgressRecord{}, &model.InvalidDurationError{VideoID: t.VideoID, Duration: t.DurationSec}
	}

	unlock := l.locks.Lock(lockKey(t.UserID, t.VideoID))
	prev, err := l.load(ctx, t.UserID, t.VideoID)
	if err != nil {
		unlock()
		l.metrics.Tick("error")
		return model.VideoProgressRecord{}, err
	}

	pos := clampPosition(t.CurrentTimeSec, t.DurationSec)
	if prev != nil && !t.IsPlaying && prev.LastPositionSeconds == pos && prev.TotalDurationSeconds == t.DurationSec {
		unlock()
		l.metrics.Tick("coalesced")
		return *prev, nil
	}

	rec := model.VideoProgressRecord{
		UserID:               t.UserID,
		VideoID:              t.VideoID,
		CourseID:             t.CourseID,
		WatchedSeconds:       pos,
		TotalDurationSeconds: t.DurationSec,
		LastPositionSeconds:  pos,
		Completed:            model.ReachesThreshold(pos, t.DurationSec),
		UpdatedAt:            l.now(),
	}
	if rec.Completed {
		rec.CompletionSource = model.CompletionSourceWatch
	}
	newlyCompleted := merge(&rec, prev)

	if err := l.store.PutProgress(ctx, rec); err != nil {
		unlock()
		l.metrics.Tick("error")
		return model.VideoProgressRecord{}, fmt.Errorf("persist progress %s: %w", t.VideoID, err)
	}
	unlock()

	l.metrics.Tick("written")
	if newlyCompleted {
		l.completed(ctx, rec)
	}
	return rec, nil
}

// MarkCompleted sets the explicit completion flag after an end-of-content quiz pass.
// durationSec may be 0 when the caller does not know it; the stored duration is kept then.
func (l *Ledger) MarkCompleted(ctx context.Context, userID, videoID, courseID string, durationSec float64) (model.VideoProgressRecord, error) {
	if userID == "" || videoID == "" {
		return model.VideoProgressRecord{}, ErrMissingID
	}
	if durationSec != 0 && !validDuration(durationSec) {
		return model.VideoProgressRecord{}, &model.InvalidDurationError{VideoID: videoID, Duration: durationSec}
	}

	unlock := l.locks.Lock(lockKey(userID, videoID))
	prev, err := l.load(ctx, userID, videoID)
	if err != nil {
		unlock()
		return model.VideoProgressRecord{}, err
	}

	rec := model.VideoProgressRecord{
		UserID:               userID,
		VideoID:              videoID,
		CourseID:             courseID,
		TotalDurationSeconds: durationSec,
		Completed:            true,
		CompletionSource:     model.CompletionSourceQuiz,
		UpdatedAt:            l.now(),
	}
	if prev != nil {
		rec.WatchedSeconds = prev.WatchedSeconds
		rec.LastPositionSeconds = prev.LastPositionSeconds
		if rec.TotalDurationSeconds == 0 {
			rec.TotalDurationSeconds = prev.TotalDurationSeconds
		}
	}
	newlyCompleted := merge(&rec, prev)

	if err := l.store.PutProgress(ctx, rec); err != nil {
		unlock()
		return model.VideoProgressRecord{}, fmt.Errorf("persist completion %s: %w", videoID, err)
	}
	unlock()

	if newlyCompleted {
		l.completed(ctx, rec)
	}
	return rec, nil
}

// merge folds the stored record into rec and reports whether rec is a new completion.
func merge(rec *model.VideoProgressRecord, prev *model.VideoProgressRecord) bool {
	if prev == nil {
		return rec.Completed
	}
	if prev.Completed {
		rec.Completed = true
		rec.CompletionSource = prev.CompletionSource
	}
	if rec.CourseID == "" {
		rec.CourseID = prev.CourseID
	}
	if prev.UpdatedAt.After(rec.UpdatedAt) {
		rec.UpdatedAt = prev.UpdatedAt
	}
	return rec.Completed && !prev.Completed
}

func (l *Ledger) completed(ctx context.Context, rec model.VideoProgressRecord) {
	l.metrics.Completion(rec.CompletionSource)
	if l.pub == nil {
		return
	}
	err := l.pub.PublishVideoCompleted(ctx, rec)
	l.metrics.Publish("video.completed", err)
	if err != nil {
		slog.Warn("failed to publish video completion", "userId", rec.UserID, "videoId", rec.VideoID, "error", err)
	}
}

func (l *Ledger) load(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) {
	prev, err := l.store.GetProgress(ctx, userID, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", videoID, err)
	}
	return prev, nil
}

// Get returns the record for (userID, videoID). ok is false when the learner never started the video.
func (l *Ledger) Get(ctx context.Context, userID, videoID string) (rec model.VideoProgressRecord, ok bool, err error) {
	p, err := l.load(ctx, userID, videoID)
	if err != nil || p == nil {
		return model.VideoProgressRecord{}, false, err
	}
	return *p, true, nil
}

// Snapshot returns every record of one learner.
func (l *Ledger) Snapshot(ctx context.Context, userID string) ([]model.VideoProgressRecord, error) {
	recs, err := l.store.ListProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot progress for %s: %w", userID, err)
	}
	return recs, nil
}
