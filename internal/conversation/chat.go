package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shakedshoshan/SkillUp-sub001/internal/agent"
	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const maxMessageLength = 8000

const chatSystemPrompt = `You are a friendly assistant helping an instructor design an online course.
Current conversation stage: %s.
Topics identified so far: %s.
Ask one focused question at a time and keep answers short.`

// IntentAnalyzer classifies a user message.
type IntentAnalyzer interface {
	Analyze(ctx context.Context, input string) (agent.IntentResult, error)
}

// IdeaGenerator proposes course ideas.
type IdeaGenerator interface {
	Generate(ctx context.Context, input string, convCtx *domain.ConversationContext) ([]domain.CourseIdea, error)
}

// ChatResult is the outcome of one accepted chat turn.
type ChatResult struct {
	SessionID   string              `json:"session_id"`
	Reply       string              `json:"reply"`
	Intent      domain.Intent       `json:"intent"`
	Stage       domain.Stage        `json:"stage"`
	Topics      []string            `json:"identified_topics"`
	Suggestions []domain.CourseIdea `json:"suggestions"`
}

// ChatService handles chat turns against the session store.
type ChatService struct {
	store      *Store
	analyzer   IntentAnalyzer
	ideas      IdeaGenerator
	completion agent.Completion
	logger     *slog.Logger
}

// NewChatService creates a chat service.
func NewChatService(store *Store, analyzer IntentAnalyzer, ideas IdeaGenerator, completion agent.Completion, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:      store,
		analyzer:   analyzer,
		ideas:      ideas,
		completion: completion,
		logger:     logger,
	}
}

// Send runs one chat turn. The session's critical section is held while the
// provider is called, so turns on one session apply in order. If any
// provider call fails the session is left exactly as it was.
func (s *ChatService) Send(ctx context.Context, sessionID, userID, message string) (*ChatResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, goerr.Wrap(domain.ErrValidation, "message is required")
	}
	if utf8.RuneCountInString(message) > maxMessageLength {
		return nil, goerr.Wrap(domain.ErrValidation, "message is too long", goerr.V("max", maxMessageLength))
	}

	created, err := s.store.GetOrCreate(sessionID, userID, nil)
	if err != nil {
		return nil, err
	}
	sessionID = created.SessionID

	result := &ChatResult{SessionID: sessionID}
	updated, err := s.store.Mutate(sessionID, func(session *domain.ConversationSession) error {
		analysis, err := s.analyzer.Analyze(ctx, message)
		if err != nil {
			return err
		}

		pending := Merge(session.Context, Analysis{Intent: analysis.Intent, Topics: analysis.Topics})
		prompt := s.buildPrompt(session, pending, message)

		var reply string
		var suggestions []domain.CourseIdea
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			text, err := s.completion.Complete(egCtx, prompt)
			if err != nil {
				return err
			}
			reply = text
			return nil
		})
		if analysis.Intent.WantsIdeas() {
			eg.Go(func() error {
				ideas, err := s.ideas.Generate(egCtx, message, &pending)
				if err != nil {
					return err
				}
				suggestions = ideas
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		session.Context = Merge(session.Context, Analysis{
			Intent:      analysis.Intent,
			Topics:      analysis.Topics,
			Suggestions: suggestions,
		})

		now := s.store.now()
		session.AppendTurn(domain.Turn{Role: domain.RoleUser, Content: message, Timestamp: now}, s.store.historyLimit)
		session.AppendTurn(domain.Turn{Role: domain.RoleAssistant, Content: reply, Timestamp: now}, s.store.historyLimit)
		session.MessageCount++

		result.Reply = reply
		result.Intent = analysis.Intent
		result.Suggestions = suggestions
		return nil
	})
	if err != nil {
		s.logger.Warn("Chat turn failed", "session_id", sessionID, "error", err)
		return nil, err
	}

	result.Stage = updated.Context.ConversationStage
	result.Topics = updated.Context.IdentifiedTopics
	if result.Suggestions == nil {
		result.Suggestions = []domain.CourseIdea{}
	}

	s.logger.Info("Chat turn processed",
		"session_id", sessionID,
		"intent", result.Intent,
		"stage", result.Stage,
		"suggestions", len(result.Suggestions),
	)
	return result, nil
}

func (s *ChatService) buildPrompt(session *domain.ConversationSession, pending domain.ConversationContext, message string) []agent.Message {
	topics := "none yet"
	if len(pending.IdentifiedTopics) > 0 {
		topics = strings.Join(pending.IdentifiedTopics, ", ")
	}
	messages := []agent.Message{{
		Role:    domain.RoleSystem,
		Content: fmt.Sprintf(chatSystemPrompt, pending.ConversationStage, topics),
	}}
	messages = append(messages, agent.MessagesFromHistory(session.History)...)
	return append(messages, agent.Message{Role: domain.RoleUser, Content: message})
}
