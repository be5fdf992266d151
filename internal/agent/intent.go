package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

const intentSystemPrompt = `You classify messages sent to a course-authoring assistant.
Reply with a single JSON object and nothing else:
{"intent": "...", "topics": ["..."], "entities": ["..."], "sentiment": "..."}
intent is one of: explore_topics, get_course_ideas, validate_idea, learn_more, general.
topics are the subject areas the user wants to teach, lower case, as short noun phrases.
sentiment is one of: positive, neutral, negative.`

// IntentResult is the classified view of one user message.
type IntentResult struct {
	Intent    domain.Intent `json:"intent"`
	Topics    []string      `json:"topics"`
	Entities  []string      `json:"entities,omitempty"`
	Sentiment string        `json:"sentiment,omitempty"`
}

// IntentAnalyzer classifies user messages with the completion provider.
type IntentAnalyzer struct {
	completion Completion
	logger     *slog.Logger
}

// NewIntentAnalyzer creates an analyzer.
func NewIntentAnalyzer(completion Completion, logger *slog.Logger) *IntentAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentAnalyzer{completion: completion, logger: logger}
}

// Analyze classifies input. Unknown intents collapse to general. When the
// provider finds no topics, phrases such as "a course about X" are used.
func (a *IntentAnalyzer) Analyze(ctx context.Context, input string) (IntentResult, error) {
	if strings.TrimSpace(input) == "" {
		return IntentResult{}, goerr.Wrap(domain.ErrValidation, "message is required")
	}

	output, err := a.completion.Complete(ctx, []Message{
		{Role: domain.RoleSystem, Content: intentSystemPrompt},
		{Role: domain.RoleUser, Content: input},
	})
	if err != nil {
		return IntentResult{}, err
	}

	result, err := DecodeStructured[IntentResult](output)
	if err != nil {
		return IntentResult{}, err
	}

	if !result.Intent.IsValid() {
		a.logger.Debug("Unknown intent from provider", "intent", result.Intent)
		result.Intent = domain.IntentGeneral
	}

	topics := make([]string, 0, len(result.Topics))
	for _, t := range result.Topics {
		if t = normalizeTopic(t); t != "" {
			topics = append(topics, t)
		}
	}
	phrases := ExtractTopics(input)
	if len(topics) == 0 {
		topics = phrases
	}
	result.Topics = topics

	if result.Intent == domain.IntentGeneral && len(phrases) > 0 && createCoursePattern.MatchString(input) {
		result.Intent = domain.IntentGetCourseIdeas
	}
	return result, nil
}

var (
	topicPattern        = regexp.MustCompile(`(?i)\bcourses?\s+(?:about|on|in|covering)\s+([^.,!?;\n]+)`)
	createCoursePattern = regexp.MustCompile(`(?i)\b(?:create|build|make|teach|design|write)\b.*\bcourses?\b`)
	leadingArticles     = []string{"a ", "an ", "the ", "some "}
)

// ExtractTopics returns topic phrases introduced by "course about", "course
// on" and similar wording.
func ExtractTopics(input string) []string {
	var out []string
	for _, m := range topicPattern.FindAllStringSubmatch(input, -1) {
		if t := normalizeTopic(m[1]); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeTopic(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	for _, a := range leadingArticles {
		t = strings.TrimPrefix(t, a)
	}
	return strings.Join(strings.Fields(t), " ")
}
