package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemJournal keeps delta records in memory with the same diff/replay
// semantics as FileJournal. Intended for tests and throwaway runs.
type MemJournal struct {
	mu      sync.Mutex
	records map[string][]Record
	last    map[string]map[string]interface{}
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{
		records: make(map[string][]Record),
		last:    make(map[string]map[string]interface{}),
	}
}

// Read implements Journal.
func (m *MemJournal) Read(ctx context.Context, session string) (map[string]interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[session]
	if len(recs) == 0 {
		return nil, false, nil
	}
	state := map[string]interface{}{}
	for _, rec := range recs {
		apply(state, rec.Delta)
	}
	out, err := deepCopy(state)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Write implements Journal.
func (m *MemJournal) Write(ctx context.Context, session string, state map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.last[session]
	if prev == nil {
		prev = map[string]interface{}{}
	}
	delta := diff(prev, state)
	if len(delta) == 0 {
		return nil
	}

	deltaCopy, err := deepCopy(delta)
	if err != nil {
		return err
	}
	m.records[session] = append(m.records[session], Record{
		ID:    fmt.Sprintf("%s:%d", session, seqOf(state, len(m.records[session]))),
		TS:    nowTS(),
		Delta: deltaCopy,
	})

	next, err := deepCopy(state)
	if err != nil {
		return err
	}
	m.last[session] = next
	return nil
}

// Sessions implements Journal.
func (m *MemJournal) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]string, 0, len(m.records))
	for s := range m.records {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Records returns a copy of the raw delta log for a session. Test
// helper; not part of the Journal interface.
func (m *MemJournal) Records(session string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, len(m.records[session]))
	copy(out, m.records[session])
	return out
}
