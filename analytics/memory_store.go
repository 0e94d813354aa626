package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

type userKey struct {
	userID    string
	eventType string
	eventTime int64
}

type promptKey struct {
	promptID  string
	userID    string
	eventType string
	eventTime int64
}

// MemoryStore keeps activity rows in process memory. It backs the standalone
// runtime and the projection tests.
type MemoryStore struct {
	mode InsertMode

	mu         sync.RWMutex
	users      []UserActivity
	prompts    []PromptActivity
	userKeys   map[userKey]struct{}
	promptKeys map[promptKey]struct{}
	userIDs    map[string]struct{}
	promptIDs  map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(mode InsertMode) *MemoryStore {
	return &MemoryStore{
		mode:       mode,
		userKeys:   make(map[userKey]struct{}),
		promptKeys: make(map[promptKey]struct{}),
		userIDs:    make(map[string]struct{}),
		promptIDs:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) InsertUserActivity(_ context.Context, a *UserActivity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{a.UserID, a.EventType, a.EventTime.UnixNano()}
	if s.mode == Dedup {
		if _, dup := s.userKeys[k]; dup {
			return false, nil
		}
		if seen(s.userIDs, a.EventID) {
			return false, nil
		}
		s.userKeys[k] = struct{}{}
	}
	s.users = append(s.users, *a)
	return true, nil
}

func (s *MemoryStore) InsertPromptActivity(_ context.Context, a *PromptActivity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := promptKey{a.PromptID, a.UserID, a.EventType, a.EventTime.UnixNano()}
	if s.mode == Dedup {
		if _, dup := s.promptKeys[k]; dup {
			return false, nil
		}
		if seen(s.promptIDs, a.EventID) {
			return false, nil
		}
		s.promptKeys[k] = struct{}{}
	}
	s.prompts = append(s.prompts, *a)
	return true, nil
}

// seen reports whether eventID was already stored, recording it otherwise.
// Rows without an event id are never treated as duplicates by id.
func seen(ids map[string]struct{}, eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, dup := ids[eventID]; dup {
		return true
	}
	ids[eventID] = struct{}{}
	return false
}

func (s *MemoryStore) CountUserEvents(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

func (s *MemoryStore) CountPromptEvents(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.prompts)), nil
}

func (s *MemoryStore) CountUserEventsSince(_ context.Context, eventType string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.users {
		if a.EventType == eventType && !a.EventTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountPromptEventsSince(_ context.Context, eventType string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.prompts {
		if a.EventType == eventType && !a.EventTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TrendingPrompts(_ context.Context, since time.Time, limit int) ([]TrendingPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make(map[string]int64)
	titles := make(map[string]string)
	titleAt := make(map[string]time.Time)
	for _, a := range s.prompts {
		switch a.EventType {
		case EventViewed:
			if !a.EventTime.Before(since) {
				views[a.PromptID]++
			}
		case EventCreated:
			if at, seen := titleAt[a.PromptID]; !seen || a.EventTime.After(at) {
				titles[a.PromptID] = a.Title
				titleAt[a.PromptID] = a.EventTime
			}
		}
	}

	out := make([]TrendingPrompt, 0, len(views))
	for id, n := range views {
		out = append(out, TrendingPrompt{PromptID: id, Title: titles[id], ViewCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ViewCount != out[j].ViewCount {
			return out[i].ViewCount > out[j].ViewCount
		}
		return out[i].PromptID < out[j].PromptID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UserHistory(_ context.Context, userID string) ([]UserActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserActivity
	for _, a := range s.users {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out, nil
}

func (s *MemoryStore) PromptHistory(_ context.Context, promptID string) ([]PromptActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PromptActivity
	for _, a := range s.prompts {
		if a.PromptID == promptID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
