// Package feedback cleans up the grading model's text output and turns it into
// normalized rubric scores.
package feedback

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/pavelanni/gradesheet/internal/model"
)

// Rubric point allocation; the three criteria add up to MaxGrade.
const (
	MaxGrade        = 10
	MaxAccuracy     = 4
	MaxRelevance    = 3
	MaxCompleteness = 3
)

// ErrMalformed is returned when sanitized model output is not a single JSON object.
var ErrMalformed = errors.New("malformed model response")

var (
	fenceRegex    = regexp.MustCompile("(?i)```(?:json)?")
	// Whole numeric fraction tokens, so a decimal side is never split.
	fractionRegex = regexp.MustCompile(`\d+(?:\.\d+)?/\d+(?:\.\d+)?`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// Feedback is a parsed and normalized model response for one question.
type Feedback struct {
	Question               string
	TeacherAnswer          string
	StudentAnswer          string
	Grade                  float64 // clamped to [0, MaxGrade]
	Evaluation             model.Evaluation
	ImprovementSuggestions []string
}

// rawFeedback mirrors the JSON shape requested in the prompt. Values are left
// untyped so numbers sent as strings still decode.
type rawFeedback struct {
	Question      any `json:"question"`
	TeacherAnswer any `json:"teacher_answer"`
	StudentAnswer any `json:"student_answer"`
	Grade         any `json:"grade"`
	Evaluation    struct {
		Accuracy     any `json:"accuracy"`
		Relevance    any `json:"relevance"`
		Completeness any `json:"completeness"`
	} `json:"evaluation"`
	ImprovementSuggestions any `json:"improvement_suggestions"`
}

// Sanitize strips Markdown fences, straightens smart quotes, rewrites
// integer fractions as two-decimal numbers and trims the result. The steps
// run in that order.
func Sanitize(raw string) string {
	s := fenceRegex.ReplaceAllString(raw, "")
	s = quoteReplacer.Replace(s)
	s = fractionRegex.ReplaceAllStringFunc(s, fractionToDecimal)
	return strings.TrimSpace(s)
}

func fractionToDecimal(tok string) string {
	if strings.Contains(tok, ".") {
		return tok
	}
	numStr, denStr, _ := strings.Cut(tok, "/")
	num, err1 := strconv.ParseFloat(numStr, 64)
	den, err2 := strconv.ParseFloat(denStr, 64)
	if err1 != nil || err2 != nil || den == 0 {
		return tok
	}
	return strconv.FormatFloat(num/den, 'f', 2, 64)
}

// Parse sanitizes raw model output, decodes it and normalizes the scores.
func Parse(raw string) (*Feedback, error) {
	clean := Sanitize(raw)
	if !strings.HasPrefix(clean, "{") {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var rf rawFeedback
	if err := json.Unmarshal([]byte(clean), &rf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	fb := &Feedback{
		Question:      cast.ToString(rf.Question),
		TeacherAnswer: cast.ToString(rf.TeacherAnswer),
		StudentAnswer: cast.ToString(rf.StudentAnswer),
		Grade:         clamp(toFloat(rf.Grade), 0, MaxGrade),
		Evaluation: Normalize(
			toFloat(rf.Evaluation.Accuracy),
			toFloat(rf.Evaluation.Relevance),
			toFloat(rf.Evaluation.Completeness),
		),
		ImprovementSuggestions: toStrings(rf.ImprovementSuggestions),
	}
	return fb, nil
}

// Normalize converts raw rubric points into [0, 1] fractions rounded to two decimals.
func Normalize(accuracy, relevance, completeness float64) model.Evaluation {
	return model.Evaluation{
		Accuracy:     ratio(accuracy, MaxAccuracy),
		Relevance:    ratio(relevance, MaxRelevance),
		Completeness: ratio(completeness, MaxCompleteness),
	}
}

func ratio(points, outOf float64) float64 {
	return round2(clamp(points/outOf, 0, 1))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// toFloat reads a JSON number or numeric string. Anything else counts as missing.
func toFloat(v any) float64 {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return f
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return []string{}
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}
		}
		return []string{t}
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return []string{}
	}
	return out
}
