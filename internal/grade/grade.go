// Package grade maps numeric scores to letter grades and aggregates per-question results.
package grade

import (
	"fmt"
	"math"
	"strings"

	"github.com/pavelanni/gradesheet/internal/model"
)

// Threshold is the lowest score that earns Letter.
type Threshold struct {
	Min    float64
	Letter model.LetterGrade
}

// Scale is an ordered list of thresholds, highest first. Scores below the
// last threshold get Floor.
type Scale struct {
	Name       string
	Max        float64
	Thresholds []Threshold
	Floor      model.LetterGrade
}

// Overall is the 0-100 scale used for the submission grade.
var Overall = Scale{
	Name: "overall",
	Max:  100,
	Thresholds: []Threshold{
		{100, model.GradeO},
		{90, model.GradeAPlus},
		{80, model.GradeA},
		{70, model.GradeBPlus},
		{60, model.GradeB},
		{50, model.GradeCPlus},
		{40, model.GradeC},
		{30, model.GradeP},
	},
	Floor: model.GradeF,
}

// PerQuestion is the 0-10 scale applied to the model's grade for one question.
var PerQuestion = Scale{
	Name: "question",
	Max:  10,
	Thresholds: []Threshold{
		{9, model.GradeAPlus},
		{8, model.GradeA},
		{7, model.GradeB},
		{6, model.GradeC},
		{5, model.GradeD},
		{4, model.GradeE},
	},
	Floor: model.GradeF,
}

// ScaleByName returns a known scale. The per-question table can be swapped
// for the overall one (applied to the 0-100 score) by configuration.
func ScaleByName(name string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PerQuestion.Name:
		return PerQuestion, nil
	case Overall.Name:
		return Overall, nil
	default:
		return Scale{}, fmt.Errorf("unknown grade scale %q", name)
	}
}

// Letter returns the letter for score on this scale.
func (s Scale) Letter(score float64) model.LetterGrade {
	if math.IsNaN(score) {
		return s.Floor
	}
	for _, t := range s.Thresholds {
		if score >= t.Min {
			return t.Letter
		}
	}
	return s.Floor
}

// ToLetterGrade converts a numeric grade using the given scale.
func ToLetterGrade(scale Scale, score float64) model.LetterGrade {
	return scale.Letter(score)
}

// Aggregate averages the defined 0-100 scores of results and grades the mean on
// the Overall scale. Non-finite and negative scores are not counted. With no
// countable scores the overall score is 0.
func Aggregate(results []model.EvaluationResult) (float64, model.LetterGrade) {
	var total float64
	var n int
	for _, r := range results {
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) || r.Score < 0 {
			continue
		}
		total += r.Score
		n++
	}

	overall := 0.0
	if n > 0 {
		overall = total / float64(n)
	}
	return overall, Overall.Letter(overall)
}
