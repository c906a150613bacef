package pipeline

import "fmt"

// Stage is a step of a grading run.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageExtracting  Stage = "extracting"
	StageSegmenting  Stage = "segmenting"
	StageGrading     Stage = "grading"
	StageAggregating Stage = "aggregating"
	StageDone        Stage = "done"
)

// Stable error codes reported to API callers.
const (
	CodeFetchFailed   = "fetch_failed"
	CodeExtractFailed = "extract_failed"
	CodeEmptyDocument = "empty_document"
	CodeCancelled     = "cancelled"
	CodeInternal      = "internal"
)

// Error is a run-aborting failure. Only the fetching and extracting stages
// produce one.
type Error struct {
	Stage Stage
	Code  string
	Role  string // "student" or "teacher", empty when not document specific
	Err   error
}

func (e *Error) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s document: %v", e.Stage, e.Role, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
