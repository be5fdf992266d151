// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

// CourseRepository persists generated courses and their lessons.
type CourseRepository interface {
	// SaveCourse inserts or replaces a course together with its lessons.
	SaveCourse(ctx context.Context, course *domain.Course) error

	// GetCourse retrieves a course with its lessons ordered by position.
	// Returns domain.ErrNotFound if no course has the id.
	GetCourse(ctx context.Context, courseID string) (*domain.Course, error)

	// ListCourses returns the most recently created courses without lessons.
	ListCourses(ctx context.Context, limit int) ([]*domain.Course, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
