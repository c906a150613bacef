// Package segment splits extracted document text into ordered question/answer pairs.
package segment

import (
	"regexp"
	"strings"

	"github.com/pavelanni/gradesheet/internal/model"
)

var (
	// Optional "Q"/"Question" label, a number, at least one separator, then text.
	questionRegex = regexp.MustCompile(`(?i)^(?:q(?:uestion)?[\s.:]*)?(\d+)[).:\s-]+(\S.*)$`)
	// "Answer" with any trailing separators, or a short "A"/"Ans" label that needs one.
	answerRegex = regexp.MustCompile(`(?i)^(?:answer\b[\s.:)-]*|a(?:ns)?\s*[.:)-]\s*)`)
)

type state int

const (
	stateNoQuestion state = iota
	stateInQuestion
)

// segmenter holds the state of a single Segment call.
type segmenter struct {
	state    state
	question string
	answer   []string
	pairs    []model.QAPair
}

// Segment parses text into question/answer pairs in document order.
//
// A question whose marker is not followed by any answer line is dropped.
// Lines that follow a question without an explicit "Answer:" label are
// treated as part of its answer.
func Segment(text string) []model.QAPair {
	s := &segmenter{}
	for _, line := range strings.Split(text, "\n") {
		s.step(line)
	}
	s.flush()
	return s.pairs
}

// step feeds one raw line into the state machine.
func (s *segmenter) step(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}

	if num, rest, ok := matchQuestion(line); ok {
		s.flush()
		s.state = stateInQuestion
		s.question = num + ". " + rest
		return
	}

	if s.state != stateInQuestion {
		return
	}

	if loc := answerRegex.FindStringIndex(line); loc != nil {
		if rest := strings.TrimSpace(line[loc[1]:]); rest != "" {
			s.answer = append(s.answer, rest)
		}
		return
	}

	s.answer = append(s.answer, line)
}

// flush closes the open question if it collected any answer text.
func (s *segmenter) flush() {
	if s.state == stateInQuestion && len(s.answer) > 0 {
		s.pairs = append(s.pairs, model.QAPair{
			Question: s.question,
			Answer:   strings.TrimSpace(strings.Join(s.answer, "\n")),
		})
	}
	s.state = stateNoQuestion
	s.question = ""
	s.answer = nil
}

func matchQuestion(line string) (num, rest string, ok bool) {
	if answerRegex.MatchString(line) {
		return "", "", false
	}
	m := questionRegex.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	rest = strings.TrimSpace(m[2])
	if rest == "" {
		return "", "", false
	}
	return m[1], rest, true
}
