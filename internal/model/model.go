package model

import (
	"time"
)

// LetterGrade is a coarse categorical mapping of a numeric score.
type LetterGrade string

const (
	GradeO     LetterGrade = "O"
	GradeAPlus LetterGrade = "A+"
	GradeA     LetterGrade = "A"
	GradeBPlus LetterGrade = "B+"
	GradeB     LetterGrade = "B"
	GradeCPlus LetterGrade = "C+"
	GradeC     LetterGrade = "C"
	GradeD     LetterGrade = "D"
	GradeE     LetterGrade = "E"
	GradeP     LetterGrade = "P"
	GradeF     LetterGrade = "F"
)

// QAPair is one detected question and the answer text that followed it.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Evaluation holds the normalized rubric sub-scores, each in [0, 1].
type Evaluation struct {
	Accuracy     float64 `json:"accuracy"`
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
}

// EvaluationResult is the graded outcome of one question.
type EvaluationResult struct {
	Question               string      `json:"question"`
	TeacherAnswer          string      `json:"teacher_answer"`
	StudentAnswer          string      `json:"student_answer"`
	Grade                  LetterGrade `json:"grade"`
	Score                  float64     `json:"score"` // 0-100
	Evaluation             Evaluation  `json:"evaluation"`
	ImprovementSuggestions []string    `json:"improvement_suggestions"`
}

// Submission is a graded student document as stored after a pipeline run.
type Submission struct {
	ID            int64              `json:"id"`
	RunID         string             `json:"run_id"`
	StudentPDFURL string             `json:"student_pdf_url"`
	TeacherPDFURL string             `json:"teacher_pdf_url"`
	OverallScore  float64            `json:"overall_score"`
	OverallGrade  LetterGrade        `json:"overall_grade"`
	QuestionScale string             `json:"question_scale"`
	Detected      int                `json:"detected"`
	Skipped       int                `json:"skipped"`
	Results       []EvaluationResult `json:"results"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Config holds runtime grading parameters set via CLI flags.
type Config struct {
	TempDir       string        // root for per-run workspaces
	MaxPDFBytes   int64         // 0 means unlimited
	FetchTimeout  time.Duration // per-document download timeout
	Concurrency   int           // concurrent model calls, 1 is sequential
	MaxRetries    int           // extra attempts for transient model errors
	RetryBackoff  time.Duration // first backoff delay, doubled per attempt
	QuestionScale string        // per-question letter scale name
	Lang          string        // default language for API messages
}
