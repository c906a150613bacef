package store

// Metadata keys recorded by the serve and grade commands.
const (
	MetaQuestionScale = "question_scale"
	MetaModel         = "model"
)

// SetMetadata upserts a key-value pair in the grading_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO grading_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// AllMetadata returns every recorded key-value pair.
func (s *Store) AllMetadata() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM grading_metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		meta[key] = value
	}
	return meta, rows.Err()
}
