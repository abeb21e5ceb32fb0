package progress

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillvergence/skillvergence-cert-go/internal/event"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Ledger, storage.Store, *event.Hub, *fakeClock) {
	t.Helper()
	store := storage.NewMemory()
	hub := event.NewHub()
	t.Cleanup(func() { hub.Close() })
	clock := &fakeClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(store, WithPublisher(hub), WithClock(clock.Now)), store, hub, clock
}

func tick(pos, dur float64, playing bool) Tick {
	return Tick{UserID: "u1", VideoID: "1-1", CourseID: "1", CurrentTimeSec: pos, DurationSec: dur, IsPlaying: playing}
}

func TestRecordTickCreatesAndCompletes(t *testing.T) {
	l, _, hub, _ := newLedger(t)
	events, cancel := hub.Subscribe(4, event.TypeVideoCompleted)
	defer cancel()
	ctx := context.Background()

	rec, err := l.RecordTick(ctx, tick(30, 100, true))
	require.NoError(t, err)
	assert.False(t, rec.Completed)
	assert.Equal(t, 30.0, rec.WatchedSeconds)
	assert.Equal(t, 30.0, rec.LastPositionSeconds)

	rec, err = l.RecordTick(ctx, tick(85, 100, true))
	require.NoError(t, err)
	assert.True(t, rec.Completed, "85% exactly meets the threshold")
	assert.Equal(t, model.CompletionSourceWatch, rec.CompletionSource)

	select {
	case ev := <-events:
		assert.Equal(t, "1-1", ev.Subject)
	default:
		t.Fatal("expected a video.completed event")
	}

	// Further ticks never emit a second completion.
	_, err = l.RecordTick(ctx, tick(95, 100, true))
	require.NoError(t, err)
	assert.Len(t, events, 0)
}

func TestRecordTickNeverUncompletes(t *testing.T) {
	l, _, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordTick(ctx, tick(90, 100, true))
	require.NoError(t, err)

	for _, pos := range []float64{90, 50, 0} {
		rec, err := l.RecordTick(ctx, tick(pos, 100, true))
		require.NoError(t, err)
		assert.True(t, rec.Completed, "pos=%v", pos)
		assert.Equal(t, pos, rec.WatchedSeconds, "watched follows the last writer")
	}

	got, ok, err := l.Get(ctx, "u1", "1-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Completed)
}

func TestRecordTickRejectsInvalidDuration(t *testing.T) {
	l, _, _, _ := newLedger(t)
	ctx := context.Background()

	before, err := l.RecordTick(ctx, tick(10, 100, true))
	require.NoError(t, err)

	for _, d := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := l.RecordTick(ctx, tick(50, d, true))
		var invalid *model.InvalidDurationError
		require.ErrorAs(t, err, &invalid, "duration=%v", d)
		assert.Equal(t, "1-1", invalid.VideoID)
	}

	after, ok, err := l.Get(ctx, "u1", "1-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestRecordTickRequiresIDs(t *testing.T) {
	l, _, _, _ := newLedger(t)
	_, err := l.RecordTick(context.Background(), Tick{VideoID: "v", DurationSec: 10})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestRecordTickClampsPosition(t *testing.T) {
	l, _, _, _ := newLedger(t)
	rec, err := l.RecordTick(context.Background(), tick(250, 100, true))
	require.NoError(t, err)
	assert.Equal(t, 100.0, rec.LastPositionSeconds)
	assert.True(t, rec.Completed)

	rec, err = l.RecordTick(context.Background(), Tick{UserID: "u1", VideoID: "1-2", CurrentTimeSec: -3, DurationSec: 60, IsPlaying: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.WatchedSeconds)
}

func TestRecordTickCoalescesPausedDuplicates(t *testing.T) {
	l, _, _, clock := newLedger(t)
	ctx := context.Background()

	first, err := l.RecordTick(ctx, tick(40, 100, false))
	require.NoError(t, err)

	clock.Set(clock.Now().Add(time.Minute))
	again, err := l.RecordTick(ctx, tick(40, 100, false))
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt, "paused duplicate must not be rewritten")

	playing, err := l.RecordTick(ctx, tick(40, 100, true))
	require.NoError(t, err)
	assert.True(t, playing.UpdatedAt.After(first.UpdatedAt))
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	l, _, _, clock := newLedger(t)
	ctx := context.Background()

	first, err := l.RecordTick(ctx, tick(10, 100, true))
	require.NoError(t, err)

	clock.Set(first.UpdatedAt.Add(-time.Hour)) // wall clock stepped back
	second, err := l.RecordTick(ctx, tick(20, 100, true))
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestMarkCompletedFromQuiz(t *testing.T) {
	l, _, hub, _ := newLedger(t)
	events, cancel := hub.Subscribe(2, event.TypeVideoCompleted)
	defer cancel()
	ctx := context.Background()

	_, err := l.RecordTick(ctx, tick(20, 100, true))
	require.NoError(t, err)

	rec, err := l.MarkCompleted(ctx, "u1", "1-1", "1", 0)
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, model.CompletionSourceQuiz, rec.CompletionSource)
	assert.Equal(t, 100.0, rec.TotalDurationSeconds, "unknown duration keeps the stored one")
	assert.Equal(t, 20.0, rec.WatchedSeconds)
	assert.Len(t, events, 1)

	// A later low tick keeps the quiz completion.
	rec, err = l.RecordTick(ctx, tick(5, 100, true))
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.Equal(t, model.CompletionSourceQuiz, rec.CompletionSource)

	_, err = l.MarkCompleted(ctx, "u1", "1-1", "1", -1)
	var invalid *model.InvalidDurationError
	assert.ErrorAs(t, err, &invalid)
}

func TestGetAndSnapshot(t *testing.T) {
	l, _, _, _ := newLedger(t)
	ctx := context.Background()

	_, ok, err := l.Get(ctx, "u1", "never")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.RecordTick(ctx, tick(10, 100, true))
	require.NoError(t, err)
	_, err = l.RecordTick(ctx, Tick{UserID: "u1", VideoID: "1-2", CourseID: "1", CurrentTimeSec: 1, DurationSec: 10, IsPlaying: true})
	require.NoError(t, err)
	_, err = l.RecordTick(ctx, Tick{UserID: "u2", VideoID: "1-1", CourseID: "1", CurrentTimeSec: 1, DurationSec: 10, IsPlaying: true})
	require.NoError(t, err)

	snap, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestConcurrentTicksKeepCompletion(t *testing.T) {
	l, _, _, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos := float64(i % 100)
			if i == 25 {
				pos = 99
			}
			_, err := l.RecordTick(ctx, tick(pos, 100, true))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, ok, err := l.Get(ctx, "u1", "1-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Completed)
}

type failingStore struct {
	storage.Store
}

func (failingStore) GetProgress(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) {
	return nil, storage.ErrNotFound
}

func (failingStore) PutProgress(ctx context.Context, rec model.VideoProgressRecord) error {
	return errors.New("disk full")
}

func TestRecordTickSurfacesPersistenceFailure(t *testing.T) {
	l := NewLedger(failingStore{Store: storage.NewMemory()})
	_, err := l.RecordTick(context.Background(), tick(90, 100, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
