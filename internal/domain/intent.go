package domain

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentExploreTopics  Intent = "explore_topics"
	IntentGetCourseIdeas Intent = "get_course_ideas"
	IntentValidateIdea   Intent = "validate_idea"
	IntentLearnMore      Intent = "learn_more"
	IntentGeneral        Intent = "general"
)

// WantsIdeas returns true for intents that should produce course suggestions.
func (i Intent) WantsIdeas() bool {
	return i == IntentExploreTopics || i == IntentGetCourseIdeas
}

// IsValid reports whether i is a known intent.
func (i Intent) IsValid() bool {
	switch i {
	case IntentExploreTopics, IntentGetCourseIdeas, IntentValidateIdea, IntentLearnMore, IntentGeneral:
		return true
	}
	return false
}
