package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/gradesheet/internal/model"
)

// ExportAll builds an export of every stored submission with its results,
// oldest first.
func (s *Store) ExportAll() (model.SubmissionExport, error) {
	settings, err := s.AllMetadata()
	if err != nil {
		return model.SubmissionExport{}, fmt.Errorf("read metadata: %w", err)
	}

	summaries, err := s.ListSubmissions()
	if err != nil {
		return model.SubmissionExport{}, fmt.Errorf("list submissions: %w", err)
	}

	subs := make([]model.Submission, 0, len(summaries))
	for i := len(summaries) - 1; i >= 0; i-- {
		sub := summaries[i]
		sub.Results, err = s.getEvaluations(sub.ID)
		if err != nil {
			return model.SubmissionExport{}, fmt.Errorf("get submission %d: %w", sub.ID, err)
		}
		subs = append(subs, sub)
	}

	return model.SubmissionExport{
		ExportedAt:     time.Now().UTC(),
		Settings:       settings,
		NumSubmissions: len(subs),
		Submissions:    subs,
	}, nil
}
