package prompts

import (
	"strings"
	"testing"
	"testing/fstest"
)

func testData() GradeData {
	return GradeData{
		Question:        "1. What is a goroutine?",
		TeacherAnswer:   "A lightweight thread managed by the Go runtime.",
		StudentAnswer:   "A thread <b>\"cheap\"</b> & small",
		MaxGrade:        10,
		MaxAccuracy:     4,
		MaxRelevance:    3,
		MaxCompleteness: 3,
		Suggestions:     2,
	}
}

func TestDefaultBuild(t *testing.T) {
	tmpl, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	data := testData()
	prompt, err := tmpl.Build(data)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		data.Question,
		data.TeacherAnswer,
		data.StudentAnswer,
		"score out of 10",
		"Accuracy (4 points)",
		"Relevance (3 points)",
		"Completeness (3 points)",
		"exactly 2 improvement suggestions",
		"never fractions",
		`["Suggestion 1", "Suggestion 2"]`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt should contain %q", want)
		}
	}
}

func TestDefaultIsDeterministic(t *testing.T) {
	tmpl, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	a, _ := tmpl.Build(testData())
	b, _ := tmpl.Build(testData())
	if a != b {
		t.Error("same inputs produced different prompts")
	}
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"custom.tmpl": {Data: []byte("Grade {{.Question}} out of {{.MaxGrade}}")},
		"empty.tmpl":  {Data: []byte("  \n")},
		"broken.tmpl": {Data: []byte("{{.Question")},
	}

	tmpl, err := Load(fsys, "custom.tmpl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := tmpl.Build(testData())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := "Grade 1. What is a goroutine? out of 10"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}

	for _, name := range []string{"empty.tmpl", "broken.tmpl", "missing.tmpl"} {
		if _, err := Load(fsys, name); err == nil {
			t.Errorf("Load(%q) should fail", name)
		}
	}
}
