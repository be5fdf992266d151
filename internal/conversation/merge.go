// Package conversation holds server-side conversation sessions: the TTL-bound
// session store, the context merge rules and chat-turn handling.
package conversation

import (
	"maps"
	"slices"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

// Analysis is the result of one chat turn that gets folded into a context.
type Analysis struct {
	Intent      domain.Intent
	Topics      []string
	Suggestions []domain.CourseIdea
}

// NextStage returns the stage implied by intent given the current stage.
// It never moves a session back to discovery.
func NextStage(intent domain.Intent, current domain.Stage) domain.Stage {
	switch intent {
	case domain.IntentExploreTopics, domain.IntentGetCourseIdeas:
		if current == domain.StageValidation || current == domain.StagePlanning {
			return current
		}
		return domain.StageIdeation
	case domain.IntentValidateIdea, domain.IntentLearnMore:
		return domain.StageValidation
	}
	if current == "" {
		return domain.StageDiscovery
	}
	return current
}

// MergeTopics appends the topics of next not already present in existing.
// Matching is case-sensitive; first-seen order is kept.
func MergeTopics(existing, next []string) []string {
	out := slices.Clone(existing)
	if out == nil {
		out = []string{}
	}
	for _, topic := range next {
		if topic == "" || slices.Contains(out, topic) {
			continue
		}
		out = append(out, topic)
	}
	return out
}

// Merge folds an analysis into ctx and returns the new context.
// Suggestions are appended as-is; only topics are deduplicated.
func Merge(ctx domain.ConversationContext, a Analysis) domain.ConversationContext {
	out := ctx.Clone()
	out.ConversationStage = NextStage(a.Intent, ctx.ConversationStage)
	out.IdentifiedTopics = MergeTopics(out.IdentifiedTopics, a.Topics)
	out.SuggestedCourses = append(out.SuggestedCourses, a.Suggestions...)
	return out
}

// ApplyPartial applies an explicit caller update to ctx. Stage and user
// profile overwrite; topics append-dedup; suggestions append. An explicit
// stage may move the session backward.
func ApplyPartial(ctx domain.ConversationContext, p domain.PartialContext) domain.ConversationContext {
	out := ctx.Clone()
	if p.ConversationStage != nil {
		out.ConversationStage = *p.ConversationStage
	}
	if p.UserProfile != nil {
		out.UserProfile = maps.Clone(p.UserProfile)
	}
	out.IdentifiedTopics = MergeTopics(out.IdentifiedTopics, p.IdentifiedTopics)
	out.SuggestedCourses = append(out.SuggestedCourses, p.SuggestedCourses...)
	return out
}
