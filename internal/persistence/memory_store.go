package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/quill/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
//
// Snapshots and log entries are kept encoded, so values read back have the
// same shapes they would have after a round trip through a durable backend.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*memWorkflow
	now       func() time.Time
}

type memWorkflow struct {
	summary     Summary
	snapshot    []byte
	snapshotSeq int64
	entries     [][]byte

	leaseOwner   string
	leaseToken   int64
	leaseExpires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*memWorkflow),
		now:       time.Now,
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveSnapshot(ctx context.Context, st *api.WorkflowState) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[st.WorkflowID]
	if !ok {
		s.workflows[st.WorkflowID] = &memWorkflow{
			summary: Summary{
				WorkflowID: st.WorkflowID,
				Task:       st.Task,
				Stage:      st.Stage,
				Status:     st.Status,
				LastSeq:    st.Seq,
				CreatedAt:  st.CreatedAt,
			},
			snapshot:    data,
			snapshotSeq: st.Seq,
		}
		return nil
	}
	if st.Seq < wf.snapshotSeq {
		return nil
	}
	wf.snapshot = data
	wf.snapshotSeq = st.Seq
	return nil
}

func (s *InMemoryStore) LoadSnapshot(ctx context.Context, workflowID string) (*api.WorkflowState, error) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	var data []byte
	if ok {
		data = wf.snapshot
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return DecodeState(data)
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, filter Filter) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Summary
	for _, wf := range s.workflows {
		if filter.match(wf.summary) {
			out = append(out, wf.summary)
		}
	}
	sortSummaries(out)
	return out, nil
}

func (s *InMemoryStore) AppendEntry(ctx context.Context, entry api.LogEntry, fence int64) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[entry.WorkflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	if wf.leaseToken != fence {
		return ErrFenced
	}
	if entry.Seq != wf.summary.LastSeq+1 {
		return ErrSequenceConflict
	}
	wf.entries = append(wf.entries, data)
	wf.summary.LastSeq = entry.Seq
	wf.summary.Stage = entry.Delta.To
	wf.summary.Status = entry.Delta.Status
	return nil
}

func (s *InMemoryStore) ListEntries(ctx context.Context, workflowID string, afterSeq int64) ([]api.LogEntry, error) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	var raw [][]byte
	if ok {
		raw = append(raw, wf.entries...)
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrWorkflowNotFound
	}

	out := make([]api.LogEntry, 0, len(raw))
	for _, data := range raw {
		e, err := DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, errors.New("ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return Lease{}, false, ErrWorkflowNotFound
	}

	now := s.now()
	switch {
	case wf.leaseOwner == owner && owner != "":
	case wf.leaseOwner == "" || !now.Before(wf.leaseExpires):
		wf.leaseOwner = owner
		wf.leaseToken++
	default:
		return Lease{}, false, nil
	}
	wf.leaseExpires = now.Add(ttl)
	return Lease{WorkflowID: workflowID, Owner: owner, Token: wf.leaseToken, ExpiresAt: wf.leaseExpires}, true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[l.WorkflowID]
	if !ok || wf.leaseOwner != l.Owner || wf.leaseToken != l.Token {
		return Lease{}, ErrLeaseLost
	}
	wf.leaseExpires = s.now().Add(ttl)
	l.ExpiresAt = wf.leaseExpires
	return l, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, l Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[l.WorkflowID]
	if !ok || wf.leaseOwner != l.Owner || wf.leaseToken != l.Token {
		return nil
	}
	wf.leaseOwner = ""
	wf.leaseExpires = time.Time{}
	return nil
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].WorkflowID < s[j].WorkflowID
	})
}
