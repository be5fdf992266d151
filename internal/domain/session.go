// Package domain contains core domain types for the course-authoring service.
package domain

import (
	"maps"
	"slices"
	"time"
)

// Stage is the conversation stage of a session.
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StageIdeation   Stage = "ideation"
	StagePlanning   Stage = "planning"
	StageValidation Stage = "validation"
)

// IsValid returns true if the stage is one of the known stages.
func (s Stage) IsValid() bool {
	switch s {
	case StageDiscovery, StageIdeation, StagePlanning, StageValidation:
		return true
	default:
		return false
	}
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid returns true if the role is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Turn is a single entry in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CourseIdea is a course suggestion produced by the idea generator.
type CourseIdea struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	TargetAudience string   `json:"target_audience,omitempty"`
	Difficulty     string   `json:"difficulty,omitempty"`
	Topics         []string `json:"topics,omitempty"`
}

// ConversationContext is the mutable part of a session evolved by chat turns.
type ConversationContext struct {
	ConversationStage Stage          `json:"conversation_stage"`
	IdentifiedTopics  []string       `json:"identified_topics"`
	SuggestedCourses  []CourseIdea   `json:"suggested_courses"`
	UserProfile       map[string]any `json:"user_profile,omitempty"`
}

// DefaultContext returns the context of a freshly created session.
func DefaultContext() ConversationContext {
	return ConversationContext{
		ConversationStage: StageDiscovery,
		IdentifiedTopics:  []string{},
		SuggestedCourses:  []CourseIdea{},
	}
}

// Clone returns a deep copy of the context.
func (c ConversationContext) Clone() ConversationContext {
	out := ConversationContext{
		ConversationStage: c.ConversationStage,
		IdentifiedTopics:  slices.Clone(c.IdentifiedTopics),
		SuggestedCourses:  make([]CourseIdea, len(c.SuggestedCourses)),
		UserProfile:       maps.Clone(c.UserProfile),
	}
	if out.IdentifiedTopics == nil {
		out.IdentifiedTopics = []string{}
	}
	for i, idea := range c.SuggestedCourses {
		idea.Topics = slices.Clone(idea.Topics)
		out.SuggestedCourses[i] = idea
	}
	return out
}

// PartialContext carries a caller-supplied context update.
// Nil fields are left untouched.
type PartialContext struct {
	ConversationStage *Stage         `json:"conversation_stage,omitempty"`
	IdentifiedTopics  []string       `json:"identified_topics,omitempty"`
	SuggestedCourses  []CourseIdea   `json:"suggested_courses,omitempty"`
	UserProfile       map[string]any `json:"user_profile,omitempty"`
}

// ConversationSession is the server-held state of one conversation.
type ConversationSession struct {
	SessionID    string              `json:"session_id"`
	UserID       string              `json:"user_id,omitempty"`
	Context      ConversationContext `json:"context"`
	History      []Turn              `json:"history"`
	MessageCount int                 `json:"message_count"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// Clone returns a deep copy of the session.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = s.Context.Clone()
	out.History = slices.Clone(s.History)
	if out.History == nil {
		out.History = []Turn{}
	}
	return &out
}

// ExpiresAt returns the expiration deadline for the given TTL.
func (s *ConversationSession) ExpiresAt(ttl time.Duration) time.Time {
	return s.LastActivity.Add(ttl)
}

// IsExpired returns true if the session is past its deadline at now.
func (s *ConversationSession) IsExpired(now time.Time, ttl time.Duration) bool {
	return !now.Before(s.ExpiresAt(ttl))
}

// AppendTurn adds a turn to the history, dropping the oldest entries
// beyond limit. A non-positive limit keeps everything.
func (s *ConversationSession) AppendTurn(turn Turn, limit int) {
	s.History = append(s.History, turn)
	if limit > 0 && len(s.History) > limit {
		s.History = slices.Clone(s.History[len(s.History)-limit:])
	}
}

// Summary returns the list view of the session.
func (s *ConversationSession) Summary() SessionSummary {
	return SessionSummary{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		Stage:        s.Context.ConversationStage,
		MessageCount: s.MessageCount,
		TopicCount:   len(s.Context.IdentifiedTopics),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// Stats returns derived statistics for the session.
func (s *ConversationSession) Stats() SessionStats {
	return SessionStats{
		MessageCount:    s.MessageCount,
		Duration:        s.LastActivity.Sub(s.CreatedAt),
		Stage:           s.Context.ConversationStage,
		TopicCount:      len(s.Context.IdentifiedTopics),
		SuggestionCount: len(s.Context.SuggestedCourses),
	}
}

// SessionSummary is a lightweight listing entry.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	Stage        Stage     `json:"stage"`
	MessageCount int       `json:"message_count"`
	TopicCount   int       `json:"topic_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionStats is the derived read-only statistics view of a session.
type SessionStats struct {
	MessageCount    int           `json:"message_count"`
	Duration        time.Duration `json:"duration"`
	Stage           Stage         `json:"stage"`
	TopicCount      int           `json:"topic_count"`
	SuggestionCount int           `json:"suggestion_count"`
}
