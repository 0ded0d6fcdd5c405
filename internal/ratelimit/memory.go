package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	userID, adUnitID string
}

type memoryState struct {
	last    time.Time
	started map[string]time.Time
}

// Memory is the single-process Limiter. Same semantics as Redis.
type Memory struct {
	mu    sync.Mutex
	state map[memoryKey]*memoryState
}

func NewMemory() *Memory {
	return &Memory{state: make(map[memoryKey]*memoryState)}
}

func (m *Memory) CheckAndReserve(_ context.Context, req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey{req.UserID, req.AdUnitID}
	st, ok := m.state[k]
	if !ok {
		st = &memoryState{started: make(map[string]time.Time)}
		m.state[k] = st
	}

	if !st.last.IsZero() {
		if retry := st.last.Add(req.Cooldown).Sub(req.Now); retry > 0 {
			return Decision{Reason: ReasonCooldown, RetryAfter: retry}, nil
		}
	}

	cutoff := req.Now.Add(-Window)
	var oldest time.Time
	for id, at := range st.started {
		if !at.After(cutoff) {
			delete(st.started, id)
			continue
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	if req.DailyCap > 0 && len(st.started) >= req.DailyCap {
		retry := oldest.Add(Window).Sub(req.Now)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		return Decision{Reason: ReasonDailyCap, RetryAfter: retry}, nil
	}

	st.started[req.SessionID] = req.Now
	st.last = req.Now
	return Decision{Allowed: true, Count: len(st.started)}, nil
}

func (m *Memory) Release(_ context.Context, req Request) error {
	if err := validate(req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[memoryKey{req.UserID, req.AdUnitID}]; ok {
		delete(st.started, req.SessionID)
	}
	return nil
}
