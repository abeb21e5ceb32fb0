package completion

import (
	"context"

	"github.com/skillvergence/skillvergence-cert-go/internal/level"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// Snapshotter supplies a learner's progress records.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID string) ([]model.VideoProgressRecord, error)
}

// Catalog resolves course definitions.
type Catalog interface {
	Lookup(courseID string) (model.CourseDefinition, bool)
	Courses() []model.CourseDefinition
}

// Evaluator answers completion questions for a learner from the ledger and the catalog.
type Evaluator struct {
	ledger  Snapshotter
	catalog Catalog
}

// NewEvaluator wires an Evaluator.
func NewEvaluator(ledger Snapshotter, catalog Catalog) *Evaluator {
	return &Evaluator{ledger: ledger, catalog: catalog}
}

func (e *Evaluator) definition(courseID string) *model.CourseDefinition {
	def, ok := e.catalog.Lookup(courseID)
	if !ok {
		return nil
	}
	return &def
}

// CompletionDetail reports counts for one course. Unknown courses come back with Known == false.
func (e *Evaluator) CompletionDetail(ctx context.Context, userID, courseID string) (Detail, error) {
	snap, err := e.ledger.Snapshot(ctx, userID)
	if err != nil {
		return Detail{}, err
	}
	return Evaluate(courseID, snap, e.definition(courseID)), nil
}

// IsCourseComplete reports whether the learner completed courseID.
func (e *Evaluator) IsCourseComplete(ctx context.Context, userID, courseID string) (bool, error) {
	d, err := e.CompletionDetail(ctx, userID, courseID)
	return d.IsComplete, err
}

func (e *Evaluator) completed(snap []model.VideoProgressRecord) []string {
	var out []string
	for _, def := range e.catalog.Courses() {
		def := def
		if IsCourseComplete(def.CourseID, snap, &def) {
			out = append(out, def.CourseID)
		}
	}
	return out
}

// CompletedCourses lists the learner's completed courses in catalog order.
func (e *Evaluator) CompletedCourses(ctx context.Context, userID string) ([]string, error) {
	snap, err := e.ledger.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.completed(snap), nil
}

// CompletionData assembles the evidence for certificate generation from a single snapshot.
func (e *Evaluator) CompletionData(ctx context.Context, userID, courseID string) (model.CompletionData, Detail, error) {
	snap, err := e.ledger.Snapshot(ctx, userID)
	if err != nil {
		return model.CompletionData{}, Detail{}, err
	}
	d := Evaluate(courseID, snap, e.definition(courseID))
	return model.CompletionData{
		Completed:            d.IsComplete,
		WatchedSeconds:       d.WatchedSeconds,
		TotalDuration:        d.TotalDurationSeconds,
		CompletedCourseCount: len(e.completed(snap)),
		CompletedAt:          d.CompletedAt,
	}, d, nil
}

// Summary is a learner's standing across the catalog.
type Summary struct {
	UserID               string                   `json:"userId"`
	Courses              []Detail                 `json:"courses"`
	CompletedCourses     []string                 `json:"completedCourses"`
	CompletedCourseCount int                      `json:"completedCourseCount"`
	Certification        level.CertificationLevel `json:"certificationLevel"`
}

// Summary evaluates every catalog course for userID.
func (e *Evaluator) Summary(ctx context.Context, userID string) (Summary, error) {
	snap, err := e.ledger.Snapshot(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{UserID: userID, CompletedCourses: []string{}}
	for _, def := range e.catalog.Courses() {
		def := def
		d := Evaluate(def.CourseID, snap, &def)
		s.Courses = append(s.Courses, d)
		if d.IsComplete {
			s.CompletedCourses = append(s.CompletedCourses, def.CourseID)
		}
	}
	s.CompletedCourseCount = len(s.CompletedCourses)
	s.Certification = level.CertificationFor(s.CompletedCourseCount)
	return s, nil
}
