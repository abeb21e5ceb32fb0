package model

import (
	"errors"
	"fmt"
)

// ErrUnknownCourse is returned by catalog lookups for a course id with no definition.
// Completion evaluation never raises it: an unknown course is simply not complete.
var ErrUnknownCourse = errors.New("unknown course")

// ErrCourseIncomplete is returned when certificate generation is attempted without a completed course.
var ErrCourseIncomplete = errors.New("course not completed")

// InvalidDurationError reports a non-positive (or non-finite) media duration.
type InvalidDurationError struct {
	VideoID  string
	Duration float64
}

func (e *InvalidDurationError) Error() string {
	if e.VideoID == "" {
		return fmt.Sprintf("invalid duration %v: must be greater than zero", e.Duration)
	}
	return fmt.Sprintf("invalid duration %v for video %s: must be greater than zero", e.Duration, e.VideoID)
}
