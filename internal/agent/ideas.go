package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const ideaSystemPrompt = `You suggest online courses for an instructor.
Reply with a single JSON object and nothing else:
{"ideas": [{"title": "...", "description": "...", "target_audience": "...", "difficulty": "beginner|intermediate|advanced", "topics": ["..."]}]}
Suggest between one and %d ideas.`

// DefaultMaxIdeas bounds the number of suggestions per request.
const DefaultMaxIdeas = 3

type ideaList struct {
	Ideas []domain.CourseIdea `json:"ideas"`
}

// IdeaGenerator proposes course ideas with the completion provider.
type IdeaGenerator struct {
	completion Completion
	maxIdeas   int
	logger     *slog.Logger
}

// NewIdeaGenerator creates a generator.
func NewIdeaGenerator(completion Completion, logger *slog.Logger) *IdeaGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdeaGenerator{completion: completion, maxIdeas: DefaultMaxIdeas, logger: logger}
}

// Generate returns course ideas for input, informed by the optional
// conversation context.
func (g *IdeaGenerator) Generate(ctx context.Context, input string, convCtx *domain.ConversationContext) ([]domain.CourseIdea, error) {
	if strings.TrimSpace(input) == "" {
		return nil, goerr.Wrap(domain.ErrValidation, "input is required")
	}

	var prompt strings.Builder
	prompt.WriteString(input)
	if convCtx != nil {
		if len(convCtx.IdentifiedTopics) > 0 {
			fmt.Fprintf(&prompt, "\n\nTopics discussed so far: %s", strings.Join(convCtx.IdentifiedTopics, ", "))
		}
		if len(convCtx.SuggestedCourses) > 0 {
			titles := make([]string, 0, len(convCtx.SuggestedCourses))
			for _, c := range convCtx.SuggestedCourses {
				titles = append(titles, c.Title)
			}
			fmt.Fprintf(&prompt, "\nAlready suggested: %s", strings.Join(titles, "; "))
		}
	}

	output, err := g.completion.Complete(ctx, []Message{
		{Role: domain.RoleSystem, Content: fmt.Sprintf(ideaSystemPrompt, g.maxIdeas)},
		{Role: domain.RoleUser, Content: prompt.String()},
	})
	if err != nil {
		return nil, err
	}

	list, err := DecodeStructured[ideaList](output)
	if err != nil {
		return nil, err
	}

	ideas := make([]domain.CourseIdea, 0, len(list.Ideas))
	for _, idea := range list.Ideas {
		if strings.TrimSpace(idea.Title) == "" {
			continue
		}
		ideas = append(ideas, idea)
		if len(ideas) == g.maxIdeas {
			break
		}
	}
	if len(ideas) == 0 {
		return nil, goerr.Wrap(ErrProviderError, "provider returned no usable course ideas")
	}

	g.logger.Debug("Course ideas generated", "count", len(ideas))
	return ideas, nil
}
