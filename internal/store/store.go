package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/gradesheet/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		student_pdf_url TEXT NOT NULL,
		teacher_pdf_url TEXT NOT NULL,
		overall_score REAL NOT NULL DEFAULT 0,
		overall_grade TEXT NOT NULL,
		question_scale TEXT NOT NULL DEFAULT '',
		detected INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question TEXT NOT NULL,
		teacher_answer TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		accuracy REAL NOT NULL DEFAULT 0,
		relevance REAL NOT NULL DEFAULT 0,
		completeness REAL NOT NULL DEFAULT 0,
		suggestions TEXT NOT NULL DEFAULT '[]',
		UNIQUE (submission_id, position),
		FOREIGN KEY (submission_id) REFERENCES submissions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS grading_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("submissions", "question_scale", "TEXT NOT NULL DEFAULT ''")
}

// addColumn adds a column to a table created by an older schema.
func (s *Store) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// SaveSubmission stores a graded submission with its results and returns the new ID.
func (s *Store) SaveSubmission(sub model.Submission) (int64, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO submissions (run_id, student_pdf_url, teacher_pdf_url, overall_score, overall_grade,
		 question_scale, detected, skipped, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.RunID, sub.StudentPDFURL, sub.TeacherPDFURL, sub.OverallScore, sub.OverallGrade,
		sub.QuestionScale, sub.Detected, sub.Skipped, sub.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, r := range sub.Results {
		suggestions, err := json.Marshal(nonNil(r.ImprovementSuggestions))
		if err != nil {
			return 0, fmt.Errorf("encode suggestions: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO evaluations (submission_id, position, question, teacher_answer, student_answer,
			 grade, score, accuracy, relevance, completeness, suggestions)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, r.Question, r.TeacherAnswer, r.StudentAnswer, r.Grade, r.Score,
			r.Evaluation.Accuracy, r.Evaluation.Relevance, r.Evaluation.Completeness, string(suggestions),
		)
		if err != nil {
			return 0, fmt.Errorf("insert evaluation %d: %w", i, err)
		}
	}

	return id, tx.Commit()
}

// GetSubmission returns a submission with its results in question order.
// Returns sql.ErrNoRows if the ID is unknown.
func (s *Store) GetSubmission(id int64) (model.Submission, error) {
	var sub model.Submission
	err := s.db.QueryRow(
		`SELECT id, run_id, student_pdf_url, teacher_pdf_url, overall_score, overall_grade, question_scale,
		 detected, skipped, created_at
		 FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.RunID, &sub.StudentPDFURL, &sub.TeacherPDFURL, &sub.OverallScore,
		&sub.OverallGrade, &sub.QuestionScale, &sub.Detected, &sub.Skipped, &sub.CreatedAt)
	if err != nil {
		return sub, err
	}

	sub.Results, err = s.getEvaluations(id)
	return sub, err
}

func (s *Store) getEvaluations(submissionID int64) ([]model.EvaluationResult, error) {
	rows, err := s.db.Query(
		`SELECT question, teacher_answer, student_answer, grade, score, accuracy, relevance, completeness, suggestions
		 FROM evaluations WHERE submission_id = ? ORDER BY position`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.EvaluationResult{}
	for rows.Next() {
		var r model.EvaluationResult
		var suggestions string
		if err := rows.Scan(&r.Question, &r.TeacherAnswer, &r.StudentAnswer, &r.Grade, &r.Score,
			&r.Evaluation.Accuracy, &r.Evaluation.Relevance, &r.Evaluation.Completeness, &suggestions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(suggestions), &r.ImprovementSuggestions); err != nil {
			return nil, fmt.Errorf("decode suggestions: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListSubmissions returns submission summaries, newest first, without results.
func (s *Store) ListSubmissions() ([]model.Submission, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, student_pdf_url, teacher_pdf_url, overall_score, overall_grade, question_scale,
		 detected, skipped, created_at
		 FROM submissions ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []model.Submission{}
	for rows.Next() {
		var sub model.Submission
		if err := rows.Scan(&sub.ID, &sub.RunID, &sub.StudentPDFURL, &sub.TeacherPDFURL, &sub.OverallScore,
			&sub.OverallGrade, &sub.QuestionScale, &sub.Detected, &sub.Skipped, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SubmissionCount returns the number of stored submissions.
func (s *Store) SubmissionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&count)
	return count, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
