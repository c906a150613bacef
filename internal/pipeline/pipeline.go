// Package pipeline runs one grading pass: fetch both PDFs, extract and
// segment their text, grade every teacher question against the student's
// answer and aggregate an overall grade.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/gradesheet/internal/acquire"
	"github.com/pavelanni/gradesheet/internal/feedback"
	"github.com/pavelanni/gradesheet/internal/grade"
	"github.com/pavelanni/gradesheet/internal/metrics"
	"github.com/pavelanni/gradesheet/internal/model"
	"github.com/pavelanni/gradesheet/internal/segment"
)

// Document roles, also used as workspace file names.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Acquirer downloads documents into a workspace and extracts their text.
type Acquirer interface {
	Download(ctx context.Context, ws *acquire.Workspace, role, rawURL string) (string, error)
	Extract(path string) (string, error)
}

// Grader sends one question to the generative model and returns its raw reply.
type Grader interface {
	GradeOne(ctx context.Context, question, teacherAnswer, studentAnswer string) (string, error)
}

// Options tunes a Pipeline.
type Options struct {
	TempDir      string
	Concurrency  int // concurrent model calls, values below 1 mean 1
	MaxRetries   int // extra attempts after a transient model error
	RetryBackoff time.Duration
	// QuestionScale grades each question; defaults to grade.PerQuestion.
	QuestionScale *grade.Scale
	// IsTransient decides which model errors are retried. Nil disables retries.
	IsTransient func(error) bool
}

// Pipeline grades student submissions against teacher answer sheets.
type Pipeline struct {
	acq    Acquirer
	grader Grader
	opts   Options
	scale  grade.Scale
}

// New creates a Pipeline.
func New(acq Acquirer, g Grader, opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	scale := grade.PerQuestion
	if opts.QuestionScale != nil {
		scale = *opts.QuestionScale
	}
	return &Pipeline{acq: acq, grader: g, opts: opts, scale: scale}
}

// Skip records a question left out of the results.
type Skip struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
}

// Outcome is the result of a grading run. Results holds one entry per
// successfully graded question in teacher question order, so it may be
// shorter than Detected.
type Outcome struct {
	RunID         string                   `json:"run_id"`
	Results       []model.EvaluationResult `json:"results"`
	Detected      int                      `json:"detected"`
	Skipped       []Skip                   `json:"skipped"`
	OverallScore  float64                  `json:"overall_score"`
	OverallGrade  model.LetterGrade        `json:"overall_grade"`
	QuestionScale string                   `json:"question_scale"`
	Cancelled     bool                     `json:"cancelled"`
}

// questionResult is the per-question success or skip.
type questionResult struct {
	result *model.EvaluationResult
	skip   *Skip
}

// Process grades the student PDF against the teacher PDF.
//
// Fetch and extraction failures abort the run with an *Error. Failures while
// grading a single question only drop that question. Temporary files are
// removed before Process returns.
func (p *Pipeline) Process(ctx context.Context, studentURL, teacherURL string) (*Outcome, error) {
	ws, err := acquire.NewWorkspace(p.opts.TempDir)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return nil, &Error{Stage: StageFetching, Code: CodeInternal, Err: err}
	}
	log := slog.With("run_id", ws.RunID())
	defer func() {
		if err := ws.Cleanup(); err != nil {
			log.Warn("workspace cleanup failed", "dir", ws.Dir(), "error", err)
		}
	}()

	out, err := p.run(ctx, ws, log, studentURL, teacherURL)
	switch {
	case err != nil:
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		log.Error("grading run failed", "error", err)
	case out.Cancelled:
		metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	default:
		metrics.RunsTotal.WithLabelValues("ok").Inc()
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, ws *acquire.Workspace, log *slog.Logger, studentURL, teacherURL string) (*Outcome, error) {
	log.Info("grading run started", "stage", StageFetching)
	paths := map[string]string{}
	for _, doc := range []struct{ role, url string }{{RoleStudent, studentURL}, {RoleTeacher, teacherURL}} {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Stage: StageFetching, Code: CodeCancelled, Role: doc.role, Err: err}
		}
		path, err := p.acq.Download(ctx, ws, doc.role, doc.url)
		if err != nil {
			return nil, &Error{Stage: StageFetching, Code: CodeFetchFailed, Role: doc.role, Err: err}
		}
		paths[doc.role] = path
	}

	log.Info("extracting text", "stage", StageExtracting)
	texts := map[string]string{}
	for _, role := range []string{RoleStudent, RoleTeacher} {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Stage: StageExtracting, Code: CodeCancelled, Role: role, Err: err}
		}
		text, err := p.acq.Extract(paths[role])
		if err != nil {
			code := CodeExtractFailed
			if errors.Is(err, acquire.ErrEmptyDocument) {
				code = CodeEmptyDocument
			}
			return nil, &Error{Stage: StageExtracting, Code: code, Role: role, Err: err}
		}
		texts[role] = text
	}

	studentQA := segment.Segment(texts[RoleStudent])
	teacherQA := segment.Segment(texts[RoleTeacher])
	log.Info("segmented documents", "stage", StageSegmenting,
		"teacher_questions", len(teacherQA), "student_answers", len(studentQA))

	log.Info("grading questions", "stage", StageGrading, "concurrency", p.opts.Concurrency)
	graded := p.gradeAll(ctx, log, teacherQA, studentQA)

	out := &Outcome{
		RunID:         ws.RunID(),
		Results:       []model.EvaluationResult{},
		Detected:      len(teacherQA),
		Skipped:       []Skip{},
		QuestionScale: p.scale.Name,
	}
	for _, qr := range graded {
		if qr.skip != nil {
			out.Skipped = append(out.Skipped, *qr.skip)
			if qr.skip.Reason == metrics.ReasonCancelled {
				out.Cancelled = true
			}
			continue
		}
		out.Results = append(out.Results, *qr.result)
	}

	log.Debug("aggregating results", "stage", StageAggregating)
	out.OverallScore, out.OverallGrade = grade.Aggregate(out.Results)
	log.Info("grading run finished", "stage", StageDone,
		"graded", len(out.Results), "skipped", len(out.Skipped),
		"overall_score", out.OverallScore, "overall_grade", out.OverallGrade)
	return out, nil
}

// gradeAll grades every teacher question, pairing it with the student answer
// at the same position. Results come back in teacher question order.
func (p *Pipeline) gradeAll(ctx context.Context, log *slog.Logger, teacherQA, studentQA []model.QAPair) []questionResult {
	results := make([]questionResult, len(teacherQA))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, pair := range teacherQA {
		i, pair := i, pair
		studentAnswer := ""
		if i < len(studentQA) {
			studentAnswer = studentQA[i].Answer
		}
		g.Go(func() error {
			results[i] = p.gradeQuestion(ctx, log, i, pair, studentAnswer)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pipeline) gradeQuestion(ctx context.Context, log *slog.Logger, index int, pair model.QAPair, studentAnswer string) questionResult {
	skip := func(reason string, err error) questionResult {
		metrics.QuestionsSkipped.WithLabelValues(reason).Inc()
		log.Warn("question skipped", "index", index, "question", pair.Question, "reason", reason, "error", err)
		return questionResult{skip: &Skip{Index: index, Question: pair.Question, Reason: reason, Error: err.Error()}}
	}

	if err := ctx.Err(); err != nil {
		return skip(metrics.ReasonCancelled, err)
	}

	raw, err := p.callModel(ctx, log, pair, studentAnswer)
	if err != nil {
		if ctx.Err() != nil {
			return skip(metrics.ReasonCancelled, err)
		}
		return skip(metrics.ReasonModelError, err)
	}

	fb, err := feedback.Parse(raw)
	if err != nil {
		log.Debug("unparseable model response", "index", index, "raw", raw)
		return skip(metrics.ReasonParseError, err)
	}

	metrics.QuestionsGraded.Inc()
	score := fb.Grade * 100 / feedback.MaxGrade
	return questionResult{result: &model.EvaluationResult{
		Question:               pair.Question,
		TeacherAnswer:          pair.Answer,
		StudentAnswer:          studentAnswer,
		Grade:                  p.scale.Letter(fb.Grade * p.scale.Max / feedback.MaxGrade),
		Score:                  score,
		Evaluation:             fb.Evaluation,
		ImprovementSuggestions: fb.ImprovementSuggestions,
	}}
}

// callModel calls the grader, retrying transient errors with exponential backoff.
func (p *Pipeline) callModel(ctx context.Context, log *slog.Logger, pair model.QAPair, studentAnswer string) (string, error) {
	backoff := p.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		start := time.Now()
		raw, err := p.grader.GradeOne(ctx, pair.Question, pair.Answer, studentAnswer)
		metrics.ObserveModelCall(start, err)
		if err == nil {
			return raw, nil
		}

		if attempt >= p.opts.MaxRetries || p.opts.IsTransient == nil || !p.opts.IsTransient(err) {
			if attempt > 0 {
				return "", fmt.Errorf("after %d attempts: %w", attempt+1, err)
			}
			return "", err
		}

		log.Warn("transient model error, retrying", "question", pair.Question, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
}
