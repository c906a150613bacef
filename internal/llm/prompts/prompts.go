package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/grade.tmpl
var defaultGradeTemplate string

var (
	defaultOnce sync.Once
	defaultTmpl *Template
	defaultErr  error
)

var funcs = template.FuncMap{
	"seq": func(n int) []int { return make([]int, n) },
	"inc": func(i int) int { return i + 1 },
}

// GradeData holds template data for a single-question grading prompt.
type GradeData struct {
	Question        string
	TeacherAnswer   string
	StudentAnswer   string
	MaxGrade        int
	MaxAccuracy     int
	MaxRelevance    int
	MaxCompleteness int
	Suggestions     int
}

// Template renders grading prompts.
type Template struct {
	tmpl *template.Template
}

// Parse compiles a grading prompt template.
func Parse(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty prompt template")
	}
	tmpl, err := template.New("grade").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Template{tmpl: tmpl}, nil
}

// Load reads and compiles a prompt template from fsys.
func Load(fsys fs.FS, name string) (*Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	return Parse(string(content))
}

// Default returns the embedded grading prompt.
// It uses sync.Once so the template is compiled only once.
func Default() (*Template, error) {
	defaultOnce.Do(func() {
		defaultTmpl, defaultErr = Parse(defaultGradeTemplate)
	})
	return defaultTmpl, defaultErr
}

// Build renders the prompt. Question and answers are embedded verbatim.
func (t *Template) Build(data GradeData) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
