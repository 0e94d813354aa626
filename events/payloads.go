package events

// Payload is one of UserRegistered, PromptCreated or PromptViewed.
type Payload interface {
	// Topic is the catalog topic this payload is published on.
	Topic() string
	// PartitionKey is the subject id used to order events per subject.
	PartitionKey() string
	isPayload()
}

// UserRegistered is published by the user service after an account is stored.
type UserRegistered struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	RegisteredAt Timestamp `json:"registeredAt"`
	IPAddress    string    `json:"ipAddress,omitempty"`
}

func (UserRegistered) Topic() string          { return TopicUserRegistered }
func (e UserRegistered) PartitionKey() string { return e.UserID }
func (UserRegistered) isPayload()             {}

// PromptCreated is published by the prompt service after a prompt is stored.
type PromptCreated struct {
	PromptID  string    `json:"promptId"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Category  string    `json:"category"`
	IsPublic  *bool     `json:"isPublic"`
	CreatedAt Timestamp `json:"createdAt"`
}

func (PromptCreated) Topic() string          { return TopicPromptCreated }
func (e PromptCreated) PartitionKey() string { return e.PromptID }
func (PromptCreated) isPayload()             {}

// Public reports the visibility flag, treating a missing value as private.
func (e PromptCreated) Public() bool {
	return e.IsPublic != nil && *e.IsPublic
}

// PromptViewed is published by the prompt service each time a prompt is read.
type PromptViewed struct {
	PromptID string    `json:"promptId"`
	UserID   string    `json:"userId"`
	ViewedAt Timestamp `json:"viewedAt"`
}

func (PromptViewed) Topic() string          { return TopicPromptViewed }
func (e PromptViewed) PartitionKey() string { return e.PromptID }
func (PromptViewed) isPayload()             {}

// newPayload returns a pointer to the zero payload statically bound to topic.
func newPayload(topic string) (any, bool) {
	switch topic {
	case TopicUserRegistered:
		return &UserRegistered{}, true
	case TopicPromptCreated:
		return &PromptCreated{}, true
	case TopicPromptViewed:
		return &PromptViewed{}, true
	}
	return nil, false
}

func derefPayload(v any) Payload {
	switch p := v.(type) {
	case *UserRegistered:
		return *p
	case *PromptCreated:
		return *p
	case *PromptViewed:
		return *p
	}
	return nil
}
