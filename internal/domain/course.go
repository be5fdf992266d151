package domain

import "time"

// Course is a generated course persisted by the course repository.
type Course struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Topic       string    `json:"topic"`
	Difficulty  string    `json:"difficulty,omitempty"`
	Lessons     []Lesson  `json:"lessons"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Lesson is one ordered unit of a course.
type Lesson struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}
