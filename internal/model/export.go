package model

import "time"

// SubmissionExport is the top-level JSON structure for graded submission export.
// Each submission carries the question scale it was graded with; Settings
// holds the values recorded by the most recent serve or grade run.
type SubmissionExport struct {
	ExportedAt     time.Time         `json:"exported_at"`
	Settings       map[string]string `json:"settings"`
	NumSubmissions int               `json:"num_submissions"`
	Submissions    []Submission      `json:"submissions"`
}
