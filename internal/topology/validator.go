package topology

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
)

const loggerName = "topology_validator"

// Result is the verdict of a validation.
// Once a validation is Invalid it stays Invalid.
type Result int

const (
	Undetermined Result = iota
	Valid
	Invalid
)

func (r Result) String() string {
	switch r {
	case Undetermined:
		return "undetermined"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ProblemKind describes why a range is invalid.
type ProblemKind string

const (
	ProblemEmptyRange      ProblemKind = "empty_range"
	ProblemMalformedRecord ProblemKind = "malformed_record"
	ProblemOutOfPlace      ProblemKind = "out_of_place"
	ProblemNestedMerge     ProblemKind = "nested_merge"
	ProblemUnclosedMerge   ProblemKind = "unclosed_merge"
)

// Problem is a violation found during validation.
type Problem struct {
	Kind ProblemKind
	// Commit is the commit the problem was detected at, it is empty for
	// problems concerning the whole range.
	Commit string
	// Expected is the commit id that was expected instead, if applicable.
	Expected string
}

func (p *Problem) String() string {
	switch p.Kind {
	case ProblemEmptyRange:
		return "nothing to merge, range contains no commits"
	case ProblemMalformedRecord:
		return "empty commit record"
	case ProblemOutOfPlace:
		return fmt.Sprintf("commit %s is out of place, expected %s", p.Commit, p.Expected)
	case ProblemNestedMerge:
		return fmt.Sprintf("merge commit %s is invalid, merge segment ending at %s is still open", p.Commit, p.Expected)
	case ProblemUnclosedMerge:
		return fmt.Sprintf("merge segment ending at %s is never closed", p.Expected)
	default:
		return string(p.Kind)
	}
}

// Report is the result of validating a range.
type Report struct {
	Result   Result
	Records  int
	Problems []*Problem
}

// Valid returns true if the Result is Valid.
func (r *Report) Valid() bool {
	return r.Result == Valid
}

// ProblemStrings returns the string representations of the problems.
func (r *Report) ProblemStrings() []string {
	result := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		result = append(result, p.String())
	}

	return result
}

// Validator validates a stream of ParentRecords in a single pass.
// Records must be passed in the order described in the package
// documentation.
// A Validator must not be reused after Finish was called.
type Validator struct {
	expectedNext string
	expectedEnd  string

	result   Result
	records  int
	problems []*Problem

	logger *zap.Logger
}

// NewValidator returns a Validator that logs detected problems as warnings
// via the global zap logger.
func NewValidator() *Validator {
	return &Validator{
		logger: zap.L().Named(loggerName),
	}
}

func (v *Validator) invalidate(p *Problem) {
	v.result = Invalid
	v.problems = append(v.problems, p)

	v.logger.Warn(
		p.String(),
		logfields.Event("topology_invalid"),
		zap.String("problem", string(p.Kind)),
		logfields.Commit(p.Commit),
		zap.String("git.expected_commit", p.Expected),
	)
}

// Add processes the next record.
func (v *Validator) Add(rec ParentRecord) {
	v.records++

	if len(rec) == 0 {
		v.invalidate(&Problem{Kind: ProblemMalformedRecord})
		return
	}

	commit := rec.Commit()

	if v.expectedNext != "" && v.expectedNext != commit {
		v.invalidate(&Problem{
			Kind:     ProblemOutOfPlace,
			Commit:   commit,
			Expected: v.expectedNext,
		})
	}

	v.expectedNext = rec.ContinuationParent()

	if v.expectedEnd != "" && v.expectedNext == v.expectedEnd {
		v.logger.Debug(
			"merge segment closed",
			logfields.Event("topology_merge_segment_closed"),
			logfields.Commit(commit),
			zap.String("git.segment_end", v.expectedEnd),
		)

		v.expectedEnd = ""
	}

	if rec.IsMerge() {
		if v.expectedEnd != "" {
			v.invalidate(&Problem{
				Kind:     ProblemNestedMerge,
				Commit:   commit,
				Expected: v.expectedEnd,
			})
		} else {
			v.expectedEnd = rec.Parents()[0]

			v.logger.Debug(
				"merge segment opened",
				logfields.Event("topology_merge_segment_opened"),
				logfields.Commit(commit),
				zap.String("git.segment_end", v.expectedEnd),
			)
		}
	}

	if v.result == Undetermined {
		v.result = Valid
	}
}

// Finish evaluates the end of the stream and returns the Report.
func (v *Validator) Finish() *Report {
	if v.result == Undetermined {
		v.invalidate(&Problem{Kind: ProblemEmptyRange})
	}

	if v.expectedEnd != "" {
		v.invalidate(&Problem{
			Kind:     ProblemUnclosedMerge,
			Expected: v.expectedEnd,
		})
	}

	return &Report{
		Result:   v.result,
		Records:  v.records,
		Problems: v.problems,
	}
}

// Validate validates records and returns a report listing all found
// problems.
func Validate(records []ParentRecord) *Report {
	v := NewValidator()

	for _, rec := range records {
		v.Add(rec)
	}

	return v.Finish()
}

// IsValid returns true if records form a valid rebased history.
func IsValid(records []ParentRecord) bool {
	return Validate(records).Valid()
}
