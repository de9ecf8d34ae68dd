package registry

import (
	"sort"
	"sync"

	"github.com/rickgao/market-broker/internal/model"
)

// participantState holds the thread-safe participant table.
type participantState struct {
	mu sync.RWMutex

	// All participants indexed by name.
	participants map[string]*model.Participant

	// Last sequence number handed out.
	lastSeq int
}

func newState() *participantState {
	return &participantState{
		participants: make(map[string]*model.Participant),
	}
}

// get returns a participant by name (read-locked).
func (s *participantState) get(name string) (model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[name]
	if !ok {
		return model.Participant{}, false
	}
	return *p, true
}

// find returns the first participant matching fn (read-locked).
func (s *participantState) find(fn func(p *model.Participant) bool) (model.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.participants {
		if fn(p) {
			return *p, true
		}
	}
	return model.Participant{}, false
}

// list returns a copy of all participants ordered by sequence (read-locked).
func (s *participantState) list() []model.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// insert stores p under a fresh sequence number unless the name is taken (write-locked).
func (s *participantState) insert(p model.Participant) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.participants[p.Name]; exists {
		return 0, false
	}

	s.lastSeq++
	p.Seq = s.lastSeq
	s.participants[p.Name] = &p
	return p.Seq, true
}

// remove deletes a participant (write-locked).
func (s *participantState) remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[name]; !ok {
		return false
	}
	delete(s.participants, name)
	return true
}

// update applies fn to a copy of the participant and swaps it in (write-locked).
func (s *participantState) update(name string, fn func(p *model.Participant)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[name]
	if !ok {
		return false
	}
	next := *p
	fn(&next)
	s.participants[name] = &next
	return true
}

// clear drops every participant and restarts sequence numbering (write-locked).
func (s *participantState) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.participants)
	s.participants = make(map[string]*model.Participant)
	s.lastSeq = 0
	return n
}
