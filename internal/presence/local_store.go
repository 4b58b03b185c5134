package presence

import (
	"context"
	"sync"
)

type userKey struct {
	branchID string
	userID   string
}

// LocalStore keeps presence state in process memory. Valid for a single instance.
type LocalStore struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // branch -> users
	conns   map[userKey]map[string]bool
	records map[userKey]Record
	index   map[string]ConnRef // conn -> (branch, user)
}

// NewLocalStore creates an empty in-memory store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		members: make(map[string]map[string]bool),
		conns:   make(map[userKey]map[string]bool),
		records: make(map[userKey]Record),
		index:   make(map[string]ConnRef),
	}
}

func (s *LocalStore) Join(_ context.Context, j Join) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.index[j.ConnID]; ok && (ref.BranchID != j.BranchID || ref.UserID != j.UserID) {
		return JoinResult{}, ErrConnectionInUse
	}

	k := userKey{j.BranchID, j.UserID}
	set := s.conns[k]
	if set == nil {
		set = make(map[string]bool)
		s.conns[k] = set
	}
	added := !set[j.ConnID]
	set[j.ConnID] = true
	count := int64(len(set))

	prev, exists := s.records[k]
	rec := joinedRecord(prev, exists, added && count == 1, j)
	s.records[k] = rec

	if s.members[j.BranchID] == nil {
		s.members[j.BranchID] = make(map[string]bool)
	}
	s.members[j.BranchID][j.UserID] = true
	s.index[j.ConnID] = ConnRef{BranchID: j.BranchID, UserID: j.UserID}

	return JoinResult{Added: added, Count: count, Record: rec}, nil
}

func (s *LocalStore) Leave(_ context.Context, connID string, ref ConnRef) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index[connID] == ref {
		delete(s.index, connID)
	}

	k := userKey{ref.BranchID, ref.UserID}
	set := s.conns[k]
	if !set[connID] {
		return LeaveResult{Count: int64(len(set))}, nil
	}
	delete(set, connID)
	if len(set) > 0 {
		return LeaveResult{Removed: true, Count: int64(len(set))}, nil
	}

	delete(s.conns, k)
	delete(s.records, k)
	if users, ok := s.members[ref.BranchID]; ok {
		delete(users, ref.UserID)
		if len(users) == 0 {
			delete(s.members, ref.BranchID)
		}
	}
	return LeaveResult{Removed: true}, nil
}

func (s *LocalStore) ConnectionCount(_ context.Context, branchID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.conns[userKey{branchID, userID}])), nil
}

func (s *LocalStore) Members(_ context.Context, branchID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := s.members[branchID]
	result := make([]string, 0, len(users))
	for uid := range users {
		result = append(result, uid)
	}
	return result, nil
}

func (s *LocalStore) Branches(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.members))
	for branchID := range s.members {
		result = append(result, branchID)
	}
	return result, nil
}

func (s *LocalStore) GetRecord(_ context.Context, branchID, userID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userKey{branchID, userID}]
	return rec, ok, nil
}

func (s *LocalStore) GetRecords(_ context.Context, branchID string, userIDs []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Record, 0, len(userIDs))
	for _, uid := range userIDs {
		if rec, ok := s.records[userKey{branchID, uid}]; ok {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *LocalStore) LookupConnection(_ context.Context, connID string) (ConnRef, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.index[connID]
	return ref, ok, nil
}

func (s *LocalStore) Ping(context.Context) error { return nil }

// Close drops all state.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = make(map[string]map[string]bool)
	s.conns = make(map[userKey]map[string]bool)
	s.records = make(map[userKey]Record)
	s.index = make(map[string]ConnRef)
	return nil
}
