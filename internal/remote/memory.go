package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/engprogress/pkg/models"
)

// Memory is an in-process Remote for tests and offline development. Faults
// can be injected per call or per item.
type Memory struct {
	mu      sync.Mutex
	data    map[string]map[string]models.ProgressRecord
	subs    map[string]map[int]func()
	nextSub int
	offline bool
	fail    map[string]error
	pushes  int
	pulls   int
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]models.ProgressRecord),
		subs: make(map[string]map[int]func()),
		fail: make(map[string]error),
	}
}

// SetOffline makes every call fail with ErrUnavailable until cleared
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailItem makes pushes of itemID fail with err; a nil err clears the fault
func (m *Memory) FailItem(itemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, itemID)
		return
	}
	m.fail[itemID] = err
}

// Pushes is the number of accepted push calls, including ignored stale ones
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Pulls is the number of successful pull calls
func (m *Memory) Pulls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls
}

// Records returns a copy of the user's records
func (m *Memory) Records(userID string) map[string]models.ProgressRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyOf(userID)
}

// Set writes a record as another device would, unconditionally, and
// notifies subscribers.
func (m *Memory) Set(userID string, recs ...models.ProgressRecord) {
	m.mu.Lock()
	user := m.user(userID)
	for _, rec := range recs {
		user[rec.ItemID] = rec
	}
	subs := m.subscribers(userID)
	m.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (m *Memory) user(userID string) map[string]models.ProgressRecord {
	user, ok := m.data[userID]
	if !ok {
		user = make(map[string]models.ProgressRecord)
		m.data[userID] = user
	}
	return user
}

func (m *Memory) copyOf(userID string) map[string]models.ProgressRecord {
	out := make(map[string]models.ProgressRecord, len(m.data[userID]))
	for id, rec := range m.data[userID] {
		out[id] = rec
	}
	return out
}

func (m *Memory) subscribers(userID string) []func() {
	out := make([]func(), 0, len(m.subs[userID]))
	for _, fn := range m.subs[userID] {
		out = append(out, fn)
	}
	return out
}

func (m *Memory) check(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return ErrNoUser
	}
	if m.offline {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) PushProgress(ctx context.Context, userID, itemID string, rec models.ProgressRecord) error {
	m.mu.Lock()
	if err := m.check(ctx, userID); err != nil {
		m.mu.Unlock()
		return err
	}
	if err, ok := m.fail[itemID]; ok {
		m.mu.Unlock()
		return err
	}
	if rec.ItemID != itemID {
		m.mu.Unlock()
		return fmt.Errorf("remote: record %s pushed as %s", rec.ItemID, itemID)
	}
	m.pushes++
	user := m.user(userID)
	existing, found := user[itemID]
	var subs []func()
	if newer(rec, existing, found) {
		user[itemID] = rec
		subs = m.subscribers(userID)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

func (m *Memory) PullProgress(ctx context.Context, userID string) (map[string]models.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, userID); err != nil {
		return nil, err
	}
	m.pulls++
	return m.copyOf(userID), nil
}

func (m *Memory) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("remote: onChange callback required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, userID); err != nil {
		return nil, err
	}
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]func())
	}
	id := m.nextSub
	m.nextSub++
	m.subs[userID][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[userID], id)
		})
	}, nil
}
