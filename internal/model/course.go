package model

import "time"

// CourseDefinition is read-only catalog configuration for one course.
type CourseDefinition struct {
	CourseID           string   `json:"courseId"`                   // Course identifier
	Title              string   `json:"title"`                      // Display title printed on certificates
	ExpectedVideoCount int      `json:"expectedVideoCount"`         // Exact number of required videos
	RequiredVideoIDs   []string `json:"requiredVideoIds,omitempty"` // Ordered required video ids (optional)
}

// Expected returns the number of videos that must be completed.
// ExpectedVideoCount wins when set; otherwise the length of RequiredVideoIDs is used.
func (d CourseDefinition) Expected() int {
	if d.ExpectedVideoCount > 0 {
		return d.ExpectedVideoCount
	}
	return len(d.RequiredVideoIDs)
}

// CompletionData is the evidence handed to certificate generation.
type CompletionData struct {
	Completed            bool      `json:"completed"`            // Course fully watched
	WatchedSeconds       float64   `json:"watchedSeconds"`       // Sum over the course's counted videos
	TotalDuration        float64   `json:"totalDuration"`        // Sum of durations over the same videos
	CompletedCourseCount int       `json:"completedCourseCount"` // Courses the learner has completed overall
	CompletedAt          time.Time `json:"completedAt"`          // Latest update among counted videos
}

// Learner identifies the recipient of a certificate.
type Learner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
