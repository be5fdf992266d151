package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
	"github.com/shakedshoshan/SkillUp-sub001/internal/shared"
)

const defaultListLimit = 50

// SQLiteStore implements CourseRepository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, goerr.Wrap(err, "create database directory", goerr.V("path", dbPath))
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "open database", goerr.V("path", dbPath))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "ping database", goerr.V("path", dbPath))
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "initialize schema")
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS courses (
		course_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		topic TEXT NOT NULL,
		difficulty TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_courses_created ON courses(created_at);

	CREATE TABLE IF NOT EXISTS lessons (
		lesson_id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses(course_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lessons_course_position ON lessons(course_id, position);
	`
	if _, err := s.db.Exec(query); err != nil {
		return goerr.Wrap(err, "create schema")
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCourse inserts or replaces a course and all of its lessons in one
// transaction, retrying on SQLite lock contention.
func (s *SQLiteStore) SaveCourse(ctx context.Context, course *domain.Course) error {
	if course == nil || course.ID == "" {
		return goerr.Wrap(domain.ErrValidation, "course id is required")
	}
	if course.Title == "" {
		return goerr.Wrap(domain.ErrValidation, "course title is required", goerr.V("course_id", course.ID))
	}

	return shared.WithSQLiteRetry(ctx, s.retry, "save_course", func() error {
		return s.saveCourseTx(ctx, course)
	})
}

func (s *SQLiteStore) saveCourseTx(ctx context.Context, course *domain.Course) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO courses (course_id, title, description, topic, difficulty, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(course_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		topic = excluded.topic,
		difficulty = excluded.difficulty,
		updated_at = excluded.updated_at`,
		course.ID, course.Title, course.Description, course.Topic, nullString(course.Difficulty),
		course.CreatedAt.UnixMilli(), course.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return goerr.Wrap(err, "upsert course", goerr.V("course_id", course.ID))
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM lessons WHERE course_id = ?`, course.ID); err != nil {
		return goerr.Wrap(err, "delete old lessons", goerr.V("course_id", course.ID))
	}

	for _, lesson := range course.Lessons {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO lessons (lesson_id, course_id, position, title, content)
		VALUES (?, ?, ?, ?, ?)`,
			lesson.ID, course.ID, lesson.Position, lesson.Title, lesson.Content,
		)
		if err != nil {
			return goerr.Wrap(err, "insert lesson", goerr.V("course_id", course.ID), goerr.V("position", lesson.Position))
		}
	}

	if err = tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit transaction")
	}
	return nil
}

// GetCourse retrieves a course with its lessons.
func (s *SQLiteStore) GetCourse(ctx context.Context, courseID string) (*domain.Course, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT course_id, title, description, topic, difficulty, created_at, updated_at
		FROM courses WHERE course_id = ?`, courseID)

	course, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(domain.ErrNotFound, "course not found", goerr.V("course_id", courseID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "scan course row", goerr.V("course_id", courseID))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT lesson_id, position, title, content
		FROM lessons WHERE course_id = ? ORDER BY position`, courseID)
	if err != nil {
		return nil, goerr.Wrap(err, "query lessons", goerr.V("course_id", courseID))
	}
	defer func() { _ = rows.Close() }()

	course.Lessons = []domain.Lesson{}
	for rows.Next() {
		lesson := domain.Lesson{CourseID: courseID}
		if err := rows.Scan(&lesson.ID, &lesson.Position, &lesson.Title, &lesson.Content); err != nil {
			return nil, goerr.Wrap(err, "scan lesson row", goerr.V("course_id", courseID))
		}
		course.Lessons = append(course.Lessons, lesson)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate lessons", goerr.V("course_id", courseID))
	}
	return course, nil
}

// ListCourses returns the newest courses first.
func (s *SQLiteStore) ListCourses(ctx context.Context, limit int) ([]*domain.Course, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT course_id, title, description, topic, difficulty, created_at, updated_at
		FROM courses ORDER BY created_at DESC, course_id LIMIT ?`, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "query courses")
	}
	defer func() { _ = rows.Close() }()

	courses := []*domain.Course{}
	for rows.Next() {
		course, err := scanCourse(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "scan course row")
		}
		courses = append(courses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate courses")
	}
	return courses, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCourse(row scanner) (*domain.Course, error) {
	var course domain.Course
	var difficulty sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&course.ID, &course.Title, &course.Description, &course.Topic,
		&difficulty, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	course.Difficulty = difficulty.String
	course.CreatedAt = time.UnixMilli(createdAt).UTC()
	course.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &course, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
