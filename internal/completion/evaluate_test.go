package completion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillvergence/skillvergence-cert-go/internal/level"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func watched(videoID, courseID string, ratio float64) model.VideoProgressRecord {
	return model.VideoProgressRecord{
		UserID:               "u1",
		VideoID:              videoID,
		CourseID:             courseID,
		WatchedSeconds:       ratio * 600,
		TotalDurationSeconds: 600,
		LastPositionSeconds:  ratio * 600,
		Completed:            model.ReachesThreshold(ratio*600, 600),
		UpdatedAt:            t0,
	}
}

func TestAliasesAreDeduplicated(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "1", ExpectedVideoCount: 7}
	var snap []model.VideoProgressRecord
	for i := 1; i <= 7; i++ {
		snap = append(snap, watched(fmt.Sprintf("1-%d", i), "1", 1))
		snap = append(snap, watched(fmt.Sprintf("course_1-%d", i), "", 1))
	}

	d := Evaluate("1", snap, def)
	assert.Equal(t, 7, d.CompletedCount)
	assert.Equal(t, 7, d.DiscoveredCount)
	assert.True(t, d.IsComplete)
	assert.InDelta(t, 7*600.0, d.TotalDurationSeconds, 1e-9)
}

func TestAliasesCannotInflateCount(t *testing.T) {
	// Six distinct videos plus an alias of one of them must not satisfy seven.
	def := &model.CourseDefinition{CourseID: "1", ExpectedVideoCount: 7}
	var snap []model.VideoProgressRecord
	for i := 1; i <= 6; i++ {
		snap = append(snap, watched(fmt.Sprintf("1-%d", i), "1", 1))
	}
	snap = append(snap, watched("course_1-3", "", 1))

	d := Evaluate("1", snap, def)
	assert.Equal(t, 6, d.CompletedCount)
	assert.False(t, d.IsComplete)
}

func TestUnderscoreAliasesAreDeduplicated(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "1", ExpectedVideoCount: 7}
	var snap []model.VideoProgressRecord
	for i := 1; i <= 7; i++ {
		snap = append(snap, watched(fmt.Sprintf("1-%d", i), "1", 1))
		snap = append(snap, watched(fmt.Sprintf("course_1_%d", i), "", 1))
		snap = append(snap, watched(fmt.Sprintf("course_1-%d", i), "", 1))
	}

	d := Evaluate("1", snap, def)
	assert.Equal(t, 7, d.CompletedCount)
	assert.Equal(t, 7, d.DiscoveredCount)
	assert.True(t, d.IsComplete)
}

func TestUnderscoreAliasCannotInflateCount(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "1", ExpectedVideoCount: 7}
	var snap []model.VideoProgressRecord
	for i := 1; i <= 6; i++ {
		snap = append(snap, watched(fmt.Sprintf("1-%d", i), "1", 1))
	}
	snap = append(snap, watched("course_1_3", "", 1))

	d := Evaluate("1", snap, def)
	assert.Equal(t, 6, d.CompletedCount)
	assert.Equal(t, 6, d.DiscoveredCount)
	assert.False(t, d.IsComplete)
}

func TestCourseLevelRecordIsNotAVideo(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "1", ExpectedVideoCount: 7}
	var snap []model.VideoProgressRecord
	for i := 1; i <= 6; i++ {
		snap = append(snap, watched(fmt.Sprintf("1-%d", i), "1", 1))
	}
	snap = append(snap, watched("course_1", "", 1), watched("course_1", "1", 1))

	d := Evaluate("1", snap, def)
	assert.Equal(t, 6, d.CompletedCount)
	assert.Equal(t, 6, d.DiscoveredCount)
	assert.False(t, d.IsComplete)
}

func TestCanonicalVideoID(t *testing.T) {
	cases := []struct {
		videoID, courseID, want string
	}{
		{"1-3", "1", "1-3"},
		{"course_1-3", "1", "1-3"},
		{"course_1_3", "1", "1-3"},
		{"course_1", "1", ""},
		{"course_10_2", "10", "10-2"},
		{"course_10-2", "1", "10-2"},
		{"intro", "1", "intro"},
		{"course_ab_c_1", "ab_c", "ab_c-1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalVideoID(tc.videoID, tc.courseID), "video %q course %q", tc.videoID, tc.courseID)
	}
}

func TestCourseTwoThreeOfFour(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "2", ExpectedVideoCount: 4}
	snap := []model.VideoProgressRecord{
		watched("2-1", "2", 0.9),
		watched("2-2", "2", 0.85),
		watched("2-3", "2", 1),
		watched("2-4", "2", 0.4),
	}

	assert.False(t, IsCourseComplete("2", snap, def))
	d := Evaluate("2", snap, def)
	assert.Equal(t, 3, d.CompletedCount)
	assert.Equal(t, 4, d.TotalExpected)
	assert.Equal(t, 4, d.DiscoveredCount)
}

func TestUnknownCourseIsNeverComplete(t *testing.T) {
	snap := []model.VideoProgressRecord{watched("9-1", "9", 1)}
	d := Evaluate("9", snap, nil)
	assert.False(t, d.Known)
	assert.False(t, d.IsComplete)
	assert.Zero(t, d.CompletedCount)
}

func TestZeroExpectedIsNeverComplete(t *testing.T) {
	assert.False(t, IsCourseComplete("x", nil, &model.CourseDefinition{CourseID: "x"}))
}

func TestBelongsTo(t *testing.T) {
	cases := []struct {
		videoID, courseID string
		want              bool
	}{
		{"1-4", "", true},
		{"course_1", "", true},
		{"course_1-4", "", true},
		{"course_1_4", "", true},
		{"intro", "1", true},
		{"course_10-2", "", false},
		{"10-2", "", false},
		{"2-1", "", false},
	}
	for _, tc := range cases {
		rec := model.VideoProgressRecord{VideoID: tc.videoID, CourseID: tc.courseID}
		assert.Equal(t, tc.want, BelongsTo(rec, "1"), "video %q course %q", tc.videoID, tc.courseID)
	}
	assert.False(t, BelongsTo(model.VideoProgressRecord{VideoID: "1-1"}, ""))
}

func TestAliasCompletionIsUnioned(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "3", ExpectedVideoCount: 2}
	snap := []model.VideoProgressRecord{
		watched("3-1", "3", 0.2),
		watched("course_3-1", "", 0.95), // same video, completed under the legacy id
		watched("3-2", "3", 1),
	}
	d := Evaluate("3", snap, def)
	assert.Equal(t, 2, d.CompletedCount)
	assert.True(t, d.IsComplete)
}

func TestRequiredVideoIDsRestrictCounting(t *testing.T) {
	def := &model.CourseDefinition{CourseID: "4", RequiredVideoIDs: []string{"4-1", "course_4-2"}}
	snap := []model.VideoProgressRecord{
		watched("4-1", "4", 1),
		watched("4-bonus", "4", 1),
	}
	d := Evaluate("4", snap, def)
	assert.Equal(t, 2, d.TotalExpected)
	assert.Equal(t, 1, d.CompletedCount)
	assert.False(t, d.IsComplete)

	snap = append(snap, watched("4-2", "4", 1))
	assert.True(t, IsCourseComplete("4", snap, def))
}

type staticCatalog []model.CourseDefinition

func (c staticCatalog) Lookup(id string) (model.CourseDefinition, bool) {
	for _, d := range c {
		if d.CourseID == id {
			return d, true
		}
	}
	return model.CourseDefinition{}, false
}

func (c staticCatalog) Courses() []model.CourseDefinition { return c }

type staticLedger []model.VideoProgressRecord

func (l staticLedger) Snapshot(ctx context.Context, userID string) ([]model.VideoProgressRecord, error) {
	return l, nil
}

func TestEvaluatorService(t *testing.T) {
	cat := staticCatalog{
		{CourseID: "1", Title: "Safety", ExpectedVideoCount: 2},
		{CourseID: "2", Title: "Batteries", ExpectedVideoCount: 2},
	}
	later := t0.Add(time.Hour)
	last := watched("1-2", "1", 1)
	last.UpdatedAt = later
	ledger := staticLedger{watched("1-1", "1", 1), last, watched("2-1", "2", 1)}
	e := NewEvaluator(ledger, cat)
	ctx := context.Background()

	ok, err := e.IsCourseComplete(ctx, "u1", "1")
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := e.CompletedCourses(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, done)

	data, d, err := e.CompletionData(ctx, "u1", "1")
	require.NoError(t, err)
	assert.True(t, data.Completed)
	assert.Equal(t, 1, data.CompletedCourseCount)
	assert.Equal(t, 1200.0, data.TotalDuration)
	assert.Equal(t, later, data.CompletedAt)
	assert.Equal(t, 2, d.CompletedCount)

	unknown, err := e.CompletionDetail(ctx, "u1", "99")
	require.NoError(t, err)
	assert.False(t, unknown.Known)

	s, err := e.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, s.Courses, 2)
	assert.Equal(t, 1, s.CompletedCourseCount)
	assert.Equal(t, level.Foundation, s.Certification)
}
