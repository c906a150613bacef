package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/gradesheet/internal/acquire"
	"github.com/pavelanni/gradesheet/internal/grade"
	"github.com/pavelanni/gradesheet/internal/model"
)

type graderFunc func(ctx context.Context, question, teacherAnswer, studentAnswer string) (string, error)

func (f graderFunc) GradeOne(ctx context.Context, question, teacherAnswer, studentAnswer string) (string, error) {
	return f(ctx, question, teacherAnswer, studentAnswer)
}

var errTransient = errors.New("503 service unavailable")

func isTestTransient(err error) bool { return errors.Is(err, errTransient) }

// readFile is an extractor that treats the downloaded bytes as the PDF text.
func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

// writeDoc writes a document into dir and returns its path for use as a URL.
func writeDoc(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type testEnv struct {
	docs    string
	tempDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{docs: t.TempDir(), tempDir: t.TempDir()}
}

func (e *testEnv) pipeline(g Grader, opts Options) *Pipeline {
	opts.TempDir = e.tempDir
	return New(acquire.NewFetcher(acquire.WithExtractor(readFile), acquire.WithLocalFiles(true)), g, opts)
}

// assertClean fails if any run workspace survived the run.
func (e *testEnv) assertClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned: %d entries left", len(entries))
	}
}

func response(question string, grade, accuracy, relevance, completeness float64) string {
	return fmt.Sprintf(`{"question": %q, "grade": %v, "evaluation": {"accuracy": %v, "relevance": %v, "completeness": %v}, "improvement_suggestions": ["a", "b"]}`,
		question, grade, accuracy, relevance, completeness)
}

func threeQuestions() string {
	return "1. First?\nAnswer: one\n2. Second?\nAnswer: two\n3. Third?\nAnswer: three"
}

func TestProcessEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	teacher := writeDoc(t, env.docs, "teacher.pdf", "1. What is 2+2?\nAnswer: Four.")
	student := writeDoc(t, env.docs, "student.pdf", "1. What is 2+2?\nAnswer: 4.")

	g := graderFunc(func(_ context.Context, q, ta, sa string) (string, error) {
		if q != "1. What is 2+2?" || ta != "Four." || sa != "4." {
			t.Errorf("GradeOne(%q, %q, %q)", q, ta, sa)
		}
		return "```json\n" + `{"question":"1. What is 2+2?","teacher_answer":"Four.","student_answer":"4.","grade":9,"evaluation":{"accuracy":4,"relevance":3,"completeness":2},"improvement_suggestions":["Be more verbose","Show units"]}` + "\n```", nil
	})

	out, err := env.pipeline(g, Options{}).Process(context.Background(), student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []model.EvaluationResult{{
		Question:               "1. What is 2+2?",
		TeacherAnswer:          "Four.",
		StudentAnswer:          "4.",
		Grade:                  model.GradeAPlus,
		Score:                  90,
		Evaluation:             model.Evaluation{Accuracy: 1, Relevance: 1, Completeness: 0.67},
		ImprovementSuggestions: []string{"Be more verbose", "Show units"},
	}}
	if !reflect.DeepEqual(out.Results, want) {
		t.Errorf("results = %+v, want %+v", out.Results, want)
	}
	if out.Detected != 1 || len(out.Skipped) != 0 {
		t.Errorf("detected = %d, skipped = %d", out.Detected, len(out.Skipped))
	}
	if out.OverallScore != 90 || out.OverallGrade != model.GradeAPlus {
		t.Errorf("overall = %v %q, want 90 A+", out.OverallScore, out.OverallGrade)
	}
	if out.RunID == "" {
		t.Error("missing run id")
	}
	env.assertClean(t)
}

func TestProcessSkipsUnparseableResponse(t *testing.T) {
	env := newTestEnv(t)
	teacher := writeDoc(t, env.docs, "teacher.pdf", threeQuestions())
	student := writeDoc(t, env.docs, "student.pdf", threeQuestions())

	g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
		if strings.HasPrefix(q, "2.") {
			return "Sorry, I cannot grade this.", nil
		}
		return response(q, 8, 3, 3, 2), nil
	})

	out, err := env.pipeline(g, Options{}).Process(context.Background(), student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(out.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(out.Results))
	}
	if out.Results[0].Question != "1. First?" || out.Results[1].Question != "3. Third?" {
		t.Errorf("results out of order: %q, %q", out.Results[0].Question, out.Results[1].Question)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].Index != 1 || out.Skipped[0].Reason != "parse_error" {
		t.Errorf("skipped = %+v", out.Skipped)
	}
	if out.Detected != 3 {
		t.Errorf("detected = %d, want 3", out.Detected)
	}
}

func TestProcessSkipsModelError(t *testing.T) {
	env := newTestEnv(t)
	teacher := writeDoc(t, env.docs, "teacher.pdf", threeQuestions())
	student := writeDoc(t, env.docs, "student.pdf", threeQuestions())

	g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
		if strings.HasPrefix(q, "1.") {
			return "", errors.New("invalid api key")
		}
		return response(q, 10, 4, 3, 3), nil
	})

	out, err := env.pipeline(g, Options{}).Process(context.Background(), student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Results) != 2 || out.Results[0].Question != "2. Second?" {
		t.Fatalf("results = %+v", out.Results)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].Reason != "model_error" {
		t.Errorf("skipped = %+v", out.Skipped)
	}
	if out.OverallGrade != model.GradeO {
		t.Errorf("overall grade = %q, want O", out.OverallGrade)
	}
}

func TestProcessMissingStudentAnswer(t *testing.T) {
	env := newTestEnv(t)
	teacher := writeDoc(t, env.docs, "teacher.pdf", threeQuestions())
	student := writeDoc(t, env.docs, "student.pdf", "1. First?\nAnswer: one")

	var mu sync.Mutex
	got := map[string]string{}
	g := graderFunc(func(_ context.Context, q, _, sa string) (string, error) {
		mu.Lock()
		got[q] = sa
		mu.Unlock()
		return response(q, 5, 2, 2, 1), nil
	})

	out, err := env.pipeline(g, Options{}).Process(context.Background(), student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := map[string]string{"1. First?": "one", "2. Second?": "", "3. Third?": ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("student answers = %v, want %v", got, want)
	}
	if len(out.Results) != 3 {
		t.Errorf("got %d results, want 3", len(out.Results))
	}
}

func TestProcessFatalErrors(t *testing.T) {
	env := newTestEnv(t)
	good := writeDoc(t, env.docs, "good.pdf", "1. Q?\nAnswer: A")
	blank := writeDoc(t, env.docs, "blank.pdf", " \n\t\n")
	missing := filepath.Join(env.docs, "missing.pdf")

	calls := 0
	g := graderFunc(func(context.Context, string, string, string) (string, error) {
		calls++
		return "", nil
	})

	tests := []struct {
		name      string
		student   string
		teacher   string
		wantStage Stage
		wantCode  string
		wantRole  string
		wantErr   error
	}{
		{"student fetch", missing, good, StageFetching, CodeFetchFailed, RoleStudent, acquire.ErrFetchFailed},
		{"teacher fetch", good, missing, StageFetching, CodeFetchFailed, RoleTeacher, acquire.ErrFetchFailed},
		{"empty student", blank, good, StageExtracting, CodeEmptyDocument, RoleStudent, acquire.ErrEmptyDocument},
		{"empty teacher", good, blank, StageExtracting, CodeEmptyDocument, RoleTeacher, acquire.ErrEmptyDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.pipeline(g, Options{}).Process(context.Background(), tt.student, tt.teacher)
			if out != nil {
				t.Errorf("expected no outcome, got %+v", out)
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if perr.Stage != tt.wantStage || perr.Code != tt.wantCode || perr.Role != tt.wantRole {
				t.Errorf("error = %+v, want stage %s code %s role %s", perr, tt.wantStage, tt.wantCode, tt.wantRole)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error %v does not wrap %v", err, tt.wantErr)
			}
			env.assertClean(t)
		})
	}

	if calls != 0 {
		t.Errorf("model called %d times on fatal runs", calls)
	}
}

func TestProcessPreservesOrderUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	var sb strings.Builder
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&sb, "%d. Question %d\nAnswer: answer %d\n", i, i, i)
	}
	teacher := writeDoc(t, env.docs, "teacher.pdf", sb.String())
	student := writeDoc(t, env.docs, "student.pdf", sb.String())

	var inFlight, peak atomic.Int32
	g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// Earlier questions finish last.
		var idx int
		fmt.Sscanf(q, "%d.", &idx)
		time.Sleep(time.Duration(9-idx) * 5 * time.Millisecond)
		return response(q, float64(idx), 1, 1, 1), nil
	})

	out, err := env.pipeline(g, Options{Concurrency: 3}).Process(context.Background(), student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Results) != 8 {
		t.Fatalf("got %d results, want 8", len(out.Results))
	}
	for i, r := range out.Results {
		if want := fmt.Sprintf("%d. Question %d", i+1, i+1); r.Question != want {
			t.Errorf("result %d = %q, want %q", i, r.Question, want)
		}
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		maxRetries int
		wantCalls  int
		wantGraded int
	}{
		{"recovers within budget", 2, 2, 3, 1},
		{"gives up after budget", 3, 1, 2, 0},
		{"no retries configured", 1, 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			doc := writeDoc(t, env.docs, "doc.pdf", "1. Q?\nAnswer: A")

			calls := 0
			g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", errTransient
				}
				return response(q, 7, 3, 2, 2), nil
			})

			p := env.pipeline(g, Options{
				MaxRetries:   tt.maxRetries,
				RetryBackoff: time.Millisecond,
				IsTransient:  isTestTransient,
			})
			out, err := p.Process(context.Background(), doc, doc)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(out.Results) != tt.wantGraded {
				t.Errorf("graded = %d, want %d", len(out.Results), tt.wantGraded)
			}
		})
	}
}

func TestProcessDoesNotRetryPermanentErrors(t *testing.T) {
	env := newTestEnv(t)
	doc := writeDoc(t, env.docs, "doc.pdf", "1. Q?\nAnswer: A")

	calls := 0
	g := graderFunc(func(context.Context, string, string, string) (string, error) {
		calls++
		return "", errors.New("bad request")
	})

	p := env.pipeline(g, Options{MaxRetries: 3, RetryBackoff: time.Millisecond, IsTransient: isTestTransient})
	if _, err := p.Process(context.Background(), doc, doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestProcessCancelledDuringGrading(t *testing.T) {
	env := newTestEnv(t)
	teacher := writeDoc(t, env.docs, "teacher.pdf", threeQuestions())
	student := writeDoc(t, env.docs, "student.pdf", threeQuestions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
		calls++
		cancel()
		return response(q, 6, 2, 2, 2), nil
	})

	out, err := env.pipeline(g, Options{}).Process(ctx, student, teacher)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !out.Cancelled {
		t.Error("outcome not marked cancelled")
	}
	if len(out.Results) != 1 || out.Results[0].Question != "1. First?" {
		t.Errorf("results = %+v", out.Results)
	}
	if len(out.Skipped) != 2 || out.Skipped[0].Reason != "cancelled" {
		t.Errorf("skipped = %+v", out.Skipped)
	}
	env.assertClean(t)
}

func TestProcessCancelledBeforeFetch(t *testing.T) {
	env := newTestEnv(t)
	doc := writeDoc(t, env.docs, "doc.pdf", "1. Q?\nAnswer: A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := graderFunc(func(context.Context, string, string, string) (string, error) {
		t.Error("model should not be called")
		return "", nil
	})
	_, err := env.pipeline(g, Options{}).Process(ctx, doc, doc)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeCancelled || perr.Stage != StageFetching {
		t.Errorf("error = %v, want cancelled in fetching", err)
	}
	env.assertClean(t)
}

func TestProcessOverallScaleForQuestions(t *testing.T) {
	env := newTestEnv(t)
	doc := writeDoc(t, env.docs, "doc.pdf", "1. Q?\nAnswer: A")

	g := graderFunc(func(_ context.Context, q, _, _ string) (string, error) {
		return response(q, 7.5, 3, 2, 2), nil
	})

	scale := grade.Overall
	out, err := env.pipeline(g, Options{QuestionScale: &scale}).Process(context.Background(), doc, doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := out.Results[0].Grade; got != model.GradeBPlus {
		t.Errorf("grade = %q, want B+", got)
	}
	if out.QuestionScale != grade.Overall.Name {
		t.Errorf("question scale = %q, want %q", out.QuestionScale, grade.Overall.Name)
	}
}

func TestProcessNoQuestionsDetected(t *testing.T) {
	env := newTestEnv(t)
	doc := writeDoc(t, env.docs, "doc.pdf", "Just some prose without numbered questions.")

	g := graderFunc(func(context.Context, string, string, string) (string, error) {
		t.Error("model should not be called")
		return "", nil
	})
	out, err := env.pipeline(g, Options{}).Process(context.Background(), doc, doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Detected != 0 || len(out.Results) != 0 || out.OverallGrade != model.GradeF {
		t.Errorf("outcome = %+v", out)
	}
}
