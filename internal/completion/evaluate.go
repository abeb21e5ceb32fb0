// Package completion derives course-level completion from progress ledger records.
//
// Historical content uses three naming conventions for the same course's videos: the record's
// courseId, a "course_<id>" videoId prefix and an "<id>-" videoId prefix. Evaluation unions the
// three and de-duplicates by canonical video id before counting. The matching is kept for
// compatibility with existing data; a one-off id normalization migration would make it unnecessary.
package completion

import (
	"strings"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

const legacyPrefix = "course_"

// Detail is the diagnostic view of one course for one learner.
type Detail struct {
	CourseID             string    `json:"courseId"`
	Known                bool      `json:"known"`           // false when the catalog has no definition
	CompletedCount       int       `json:"completedCount"`  // distinct videos with completed == true
	DiscoveredCount      int       `json:"discoveredCount"` // distinct videos with any record
	TotalExpected        int       `json:"totalExpected"`
	IsComplete           bool      `json:"isComplete"`
	WatchedSeconds       float64   `json:"watchedSeconds"`
	TotalDurationSeconds float64   `json:"totalDurationSeconds"`
	CompletedAt          time.Time `json:"completedAt,omitempty"` // latest update among completed videos
}

// CanonicalVideoID maps every alias of one of courseID's videos to a single key:
// "1-3", "course_1-3" and "course_1_3" all become "1-3". A bare "course_1" names the course
// itself rather than a video and maps to "".
func CanonicalVideoID(videoID, courseID string) string {
	rest, ok := strings.CutPrefix(videoID, legacyPrefix)
	if !ok {
		return videoID
	}
	if courseID != "" {
		if tail, ok := strings.CutPrefix(rest, courseID); ok {
			if tail == "" {
				return ""
			}
			if tail[0] == '-' || tail[0] == '_' {
				return courseID + "-" + tail[1:]
			}
		}
	}
	return rest
}

// BelongsTo reports whether rec is attributed to courseID under any of the naming conventions.
// A bare "course_<id>" record belongs to the course but is never counted as one of its videos.
// The "course_<id>" prefix must end at the id boundary so that course "1" does not claim "course_10-2".
func BelongsTo(rec model.VideoProgressRecord, courseID string) bool {
	if courseID == "" {
		return false
	}
	if rec.CourseID == courseID {
		return true
	}
	if rest, ok := strings.CutPrefix(rec.VideoID, legacyPrefix+courseID); ok {
		if rest == "" || rest[0] == '-' || rest[0] == '_' {
			return true
		}
	}
	return strings.HasPrefix(rec.VideoID, courseID+"-")
}

// better picks the record that represents a canonical video when aliases disagree.
func better(a, b model.VideoProgressRecord) model.VideoProgressRecord {
	if a.Completed != b.Completed {
		if a.Completed {
			return a
		}
		return b
	}
	if b.WatchRatio() > a.WatchRatio() {
		return b
	}
	return a
}

// Evaluate computes the completion detail of courseID over a learner's snapshot.
// A nil definition is an unknown course and is never complete.
func Evaluate(courseID string, snapshot []model.VideoProgressRecord, def *model.CourseDefinition) Detail {
	d := Detail{CourseID: courseID}
	if def == nil {
		return d
	}
	d.Known = true
	d.TotalExpected = def.Expected()

	var required map[string]bool
	if len(def.RequiredVideoIDs) > 0 {
		required = make(map[string]bool, len(def.RequiredVideoIDs))
		for _, id := range def.RequiredVideoIDs {
			required[CanonicalVideoID(id, courseID)] = true
		}
	}

	videos := make(map[string]model.VideoProgressRecord)
	for _, rec := range snapshot {
		if !BelongsTo(rec, courseID) {
			continue
		}
		id := CanonicalVideoID(rec.VideoID, courseID)
		if id == "" || (required != nil && !required[id]) {
			continue
		}
		if cur, seen := videos[id]; seen {
			videos[id] = better(cur, rec)
			continue
		}
		videos[id] = rec
	}

	d.DiscoveredCount = len(videos)
	for _, rec := range videos {
		d.TotalDurationSeconds += rec.TotalDurationSeconds
		d.WatchedSeconds += min(rec.WatchedSeconds, rec.TotalDurationSeconds)
		if rec.Completed {
			d.CompletedCount++
			if rec.UpdatedAt.After(d.CompletedAt) {
				d.CompletedAt = rec.UpdatedAt
			}
		}
	}

	d.IsComplete = d.TotalExpected > 0 &&
		d.CompletedCount >= d.TotalExpected &&
		d.DiscoveredCount >= d.TotalExpected
	return d
}

// IsCourseComplete reports whether every expected video of courseID is completed.
func IsCourseComplete(courseID string, snapshot []model.VideoProgressRecord, def *model.CourseDefinition) bool {
	return Evaluate(courseID, snapshot, def).IsComplete
}
