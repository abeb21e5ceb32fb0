// Package model defines the data structures shared by the certification engine.
// These structures represent watch progress, course definitions, certificates and their deliveries.
package model

import (
	"math"
	"time"
)

// CompletionThreshold is the watch ratio at which a video counts as completed.
const CompletionThreshold = 0.85

// Completion sources recorded on a VideoProgressRecord.
const (
	CompletionSourceWatch = "watch" // Watch ratio reached CompletionThreshold
	CompletionSourceQuiz  = "quiz"  // End-of-content quiz passed
)

// VideoProgressRecord is the durable watch state of one learner for one video.
// Records are overwritten by (UserID, VideoID) and never deleted.
// This corresponds to the video_progress table in storage.
type VideoProgressRecord struct {
	UserID               string    `json:"userId" db:"user_id"`                              // Learner identifier
	VideoID              string    `json:"videoId" db:"video_id"`                            // Video identifier as reported by the player
	CourseID             string    `json:"courseId" db:"course_id"`                          // Course the player attributed the video to
	WatchedSeconds       float64   `json:"watchedSeconds" db:"watched_seconds"`              // Seconds watched (last writer wins)
	TotalDurationSeconds float64   `json:"totalDurationSeconds" db:"total_duration_seconds"` // Duration reported by the player
	LastPositionSeconds  float64   `json:"lastPositionSeconds" db:"last_position_seconds"`   // Resume point
	Completed            bool      `json:"completed" db:"completed"`                         // Monotonic: never reverts once true
	CompletionSource     string    `json:"completionSource,omitempty" db:"completion_source"` // How completion was reached
	UpdatedAt            time.Time `json:"updatedAt" db:"updated_at"`                        // Non-decreasing per record
}

// WatchRatio returns WatchedSeconds / TotalDurationSeconds, or 0 when the duration is unknown.
func (r VideoProgressRecord) WatchRatio() float64 {
	if r.TotalDurationSeconds <= 0 {
		return 0
	}
	return r.WatchedSeconds / r.TotalDurationSeconds
}

// ReachesThreshold reports whether watched/duration meets CompletionThreshold.
func ReachesThreshold(watched, duration float64) bool {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return false
	}
	return watched/duration >= CompletionThreshold
}
