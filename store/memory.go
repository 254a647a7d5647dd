package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warden-proxy/warden/httpmsg"
	"github.com/warden-proxy/warden/policy"
)

// MemoryStore is an in-process Store used by tests; cmd/warden always
// uses RedisStore. The reviewer side is driven through Resolve,
// SetMode and SetBlocklists.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[string]*memItem
	respItems map[string]*memRespItem
	pending   []string
	mode      policy.Mode
	lists     policy.Blocklists
	failing   bool
	requests  map[string]*httpmsg.Request
	responses map[string]*httpmsg.Response
}

type memItem struct {
	state   string
	verdict Verdict
	done    chan struct{}
}

type memRespItem struct {
	verdict ResponseVerdict
	done    chan struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*memItem),
		respItems: make(map[string]*memRespItem),
		requests:  make(map[string]*httpmsg.Request),
		responses: make(map[string]*httpmsg.Response),
		mode:      policy.ModeIntercept,
	}
}

// SetFailing makes every subsequent call fail with ErrUnavailable,
// simulating a store outage.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) unavailable() error {
	if s.failing {
		return fmt.Errorf("%w: simulated outage", ErrUnavailable)
	}
	return nil
}

func (s *MemoryStore) PublishPending(ctx context.Context, req *httpmsg.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	s.items[req.ID] = &memItem{state: StatePending, done: make(chan struct{})}
	s.pending = append(s.pending, req.ID)
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (Verdict, error) {
	if timeout <= 0 {
		return Verdict{}, ErrTimedOut
	}
	s.mu.Lock()
	if err := s.unavailable(); err != nil {
		s.mu.Unlock()
		return Verdict{}, err
	}
	item, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-item.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if item.state == StateCancelled {
			return Verdict{}, fmt.Errorf("%w: item cancelled", ErrCancelled)
		}
		return item.verdict, nil
	case <-deadline.C:
		return Verdict{}, ErrTimedOut
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Resolve records the reviewer's decision for a pending item.
func (s *MemoryStore) Resolve(id string, v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.state != StatePending {
		return
	}
	switch v.Action {
	case ActionAllow:
		item.state = StateAllowed
	case ActionBlock:
		item.state = StateBlocked
	case ActionAllowEdited:
		item.state = StateEdited
	}
	item.verdict = v
	s.dropPending(id)
	close(item.done)
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.state == StatePending {
		item.state = StateCancelled
		s.dropPending(id)
		close(item.done)
	}
	return nil
}

func (s *MemoryStore) dropPending(id string) {
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) PublishResponse(ctx context.Context, id string, resp *httpmsg.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	s.responses[id] = resp.Clone()
	return nil
}

func (s *MemoryStore) AwaitResponseVerdict(ctx context.Context, id string, timeout time.Duration) (ResponseVerdict, error) {
	if timeout <= 0 {
		return ResponseVerdict{}, ErrTimedOut
	}
	s.mu.Lock()
	if err := s.unavailable(); err != nil {
		s.mu.Unlock()
		return ResponseVerdict{}, err
	}
	item, ok := s.respItems[id]
	if !ok {
		item = &memRespItem{done: make(chan struct{})}
		s.respItems[id] = item
	}
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-item.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return item.verdict, nil
	case <-deadline.C:
		return ResponseVerdict{}, ErrTimedOut
	case <-ctx.Done():
		return ResponseVerdict{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// ResolveResponse records the reviewer's decision for a response.
func (s *MemoryStore) ResolveResponse(id string, v ResponseVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.respItems[id]
	if !ok {
		item = &memRespItem{done: make(chan struct{})}
		s.respItems[id] = item
	}
	select {
	case <-item.done:
		return
	default:
	}
	item.verdict = v
	close(item.done)
}

// Response returns the stored copy of a published response.
func (s *MemoryStore) Response(id string) *httpmsg.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[id]
}

func (s *MemoryStore) PolicyMode(ctx context.Context) (policy.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return "", err
	}
	return s.mode, nil
}

func (s *MemoryStore) SetMode(mode policy.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *MemoryStore) Blocklists(ctx context.Context) (policy.Blocklists, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return policy.Blocklists{}, err
	}
	return policy.Blocklists{
		Domains:  append([]string(nil), s.lists.Domains...),
		Keywords: append([]string(nil), s.lists.Keywords...),
	}, nil
}

func (s *MemoryStore) SetBlocklists(lists policy.Blocklists) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = lists
}

// PendingIDs returns the pending list in publication order.
func (s *MemoryStore) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// State returns the recorded state of an item, or "".
func (s *MemoryStore) State(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		return item.state
	}
	return ""
}

// Request returns the stored copy of a published request.
func (s *MemoryStore) Request(id string) *httpmsg.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable()
}

func (s *MemoryStore) Close() error { return nil }
