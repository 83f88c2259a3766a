package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileJournal stores one JSONL file per session under a root directory.
//
// Appends are atomic: the whole journal plus the new line is written to
// a temporary file in the same directory and renamed over the original,
// so a crash leaves either the old or the new journal, never a torn
// line from this writer. Torn lines from external causes are skipped on
// replay with a logged warning.
//
// One process owns a session's journal; concurrent writers in other
// processes are not supported.
type FileJournal struct {
	root string

	mu       sync.Mutex
	sessions map[string]*sessionCache
}

type sessionCache struct {
	mu     sync.Mutex
	loaded bool
	last   map[string]interface{} // nil until first record
	count  int                    // persisted record count
}

// NewFileJournal creates the root directory if needed and returns a
// journal rooted there.
func NewFileJournal(root string) (*FileJournal, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root %q: %w", root, err)
	}
	return &FileJournal{
		root:     root,
		sessions: make(map[string]*sessionCache),
	}, nil
}

func (j *FileJournal) cacheFor(session string) *sessionCache {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.sessions[session]
	if !ok {
		c = &sessionCache{}
		j.sessions[session] = c
	}
	return c
}

func (j *FileJournal) path(session string) (string, error) {
	if session == "" || strings.ContainsAny(session, "/\\") || strings.Contains(session, "..") {
		return "", fmt.Errorf("checkpoint: invalid session id %q", session)
	}
	return filepath.Join(j.root, session+".jsonl"), nil
}

// Read implements Journal.
func (j *FileJournal) Read(ctx context.Context, session string) (map[string]interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	c := j.cacheFor(session)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := j.load(session, c); err != nil {
		return nil, false, err
	}
	if c.last == nil {
		return nil, false, nil
	}
	state, err := deepCopy(c.last)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// Write implements Journal.
func (j *FileJournal) Write(ctx context.Context, session string, state map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := j.cacheFor(session)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := j.load(session, c); err != nil {
		return err
	}

	prev := c.last
	if prev == nil {
		prev = map[string]interface{}{}
	}
	delta := diff(prev, state)
	if len(delta) == 0 {
		return nil
	}

	rec := Record{
		ID:    fmt.Sprintf("%s:%d", session, seqOf(state, c.count)),
		TS:    nowTS(),
		Delta: delta,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal record for %s: %w", session, err)
	}

	if err := j.appendAtomic(session, line); err != nil {
		return err
	}

	// Update cache only after the rename succeeded.
	next, err := deepCopy(state)
	if err != nil {
		return err
	}
	c.last = next
	c.count++
	return nil
}

// appendAtomic rewrites the journal plus one new line via tmp+rename.
func (j *FileJournal) appendAtomic(session string, line []byte) error {
	path, err := j.path(session)
	if err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: read journal %s: %w", session, err)
	}

	tmp, err := os.CreateTemp(j.root, session+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create tmp for %s: %w", session, err)
	}
	tmpName := tmp.Name()

	writeErr := func() error {
		if len(existing) > 0 {
			if _, err := tmp.Write(existing); err != nil {
				return err
			}
		}
		if _, err := tmp.Write(line); err != nil {
			return err
		}
		if _, err := tmp.Write([]byte("\n")); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write tmp for %s: %w", session, writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close tmp for %s: %w", session, closeErr)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename journal for %s: %w", session, err)
	}
	return nil
}

// load replays the session's journal into the cache once.
func (j *FileJournal) load(session string, c *sessionCache) error {
	if c.loaded {
		return nil
	}

	path, err := j.path(session)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: open journal %s: %w", session, err)
	}
	defer f.Close()

	state := map[string]interface{}{}
	count := 0
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Delta == nil {
			skipped++
			continue
		}
		apply(state, rec.Delta)
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("checkpoint: scan journal %s: %w", session, err)
	}
	if skipped > 0 {
		log.Printf("checkpoint: journal %s: skipped %d corrupt line(s)", session, skipped)
	}

	if count > 0 {
		c.last = state
	}
	c.count = count
	c.loaded = true
	return nil
}

// Sessions implements Journal.
func (j *FileJournal) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(j.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list root %q: %w", j.root, err)
	}

	var sessions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(sessions)
	return sessions, nil
}

// deepCopy duplicates a state map via a JSON round-trip so callers
// cannot alias the cache.
func deepCopy(state map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: copy state: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("checkpoint: copy state: %w", err)
	}
	return out, nil
}
