package events

// Topic names. Each topic carries exactly one payload shape.
const (
	TopicUserRegistered = "user.registered"
	TopicPromptCreated  = "prompt.created"
	TopicPromptViewed   = "prompt.viewed"
)

// Consumer group ids, one per service.
const (
	GroupAnalytics = "analytics-service-group"
	GroupPrompt    = "prompt-service-group"
	GroupUser      = "user-service-group"
)

const deadLetterSuffix = ".DLT"

// Topics returns the catalog in a stable order.
func Topics() []string {
	return []string{TopicUserRegistered, TopicPromptCreated, TopicPromptViewed}
}

// Known reports whether topic is part of the catalog.
func Known(topic string) bool {
	switch topic {
	case TopicUserRegistered, TopicPromptCreated, TopicPromptViewed:
		return true
	}
	return false
}

// DeadLetterTopic returns the topic that unprocessable messages from topic are parked on.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}
