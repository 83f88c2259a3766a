package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Delivery pushes a finished session's summary to the user's channel.
type Delivery interface {
	Deliver(ctx context.Context, user User, summary string) error
}

// Report is the persisted record of a finished session.
type Report struct {
	SessionID      string    `json:"session_id"`
	Goal           string    `json:"goal"`
	Status         Status    `json:"status"`
	StepsCompleted int       `json:"steps_completed"`
	TotalSteps     int       `json:"total_steps"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Reporter renders the final summary, writes the report file, and
// optionally delivers the summary. It always terminates the run.
type Reporter struct {
	root     string
	delivery Delivery
	metrics  *Metrics
}

// NewReporter builds a reporter writing under root/reports. delivery
// and metrics may be nil.
func NewReporter(root string, delivery Delivery, metrics *Metrics) *Reporter {
	if root == "" {
		root = "."
	}
	return &Reporter{root: root, delivery: delivery, metrics: metrics}
}

func (r *Reporter) ID() string { return NodeReporter }

func (r *Reporter) Run(ctx context.Context, s *Session) NodeResult {
	s.Summary = r.summarize(s)
	r.metrics.sessionFinished(s.Status)

	if err := r.writeReport(s); err != nil {
		// The session outcome stands even when the report file cannot
		// be written; record and move on.
		s.AddError("", SeverityWarning, fmt.Sprintf("write report: %v", err), nil)
	}
	if r.delivery != nil {
		if err := r.delivery.Deliver(ctx, s.User, s.Summary); err != nil {
			s.AddError("", SeverityWarning, fmt.Sprintf("deliver summary: %v", err), nil)
		}
	}
	return NodeResult{Route: Stop()}
}

// summarize renders the human-readable banner.
func (r *Reporter) summarize(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s %s\n", s.ID, s.Status)
	fmt.Fprintf(&b, "goal: %s\n", s.Goal)
	fmt.Fprintf(&b, "steps: %d/%d completed", s.CountByStatus(ItemCompleted), len(s.Plan))
	if failed := s.CountByStatus(ItemFailed); failed > 0 {
		fmt.Fprintf(&b, ", %d failed", failed)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "retries used: %d/%d\n", s.UsedRetries, s.RetryBudget)
	fmt.Fprintf(&b, "elapsed: %s\n", time.Since(s.CreatedAt).Round(time.Second))

	if len(s.Artifacts) > 0 {
		byKind := map[ArtifactKind][]string{}
		for _, a := range s.Artifacts {
			byKind[a.Kind] = append(byKind[a.Kind], a.Path)
		}
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		b.WriteString("artifacts:\n")
		for _, k := range kinds {
			for _, path := range byKind[ArtifactKind(k)] {
				fmt.Fprintf(&b, "  [%s] %s\n", k, path)
			}
		}
	}

	if len(s.Errors) > 0 {
		b.WriteString("recent errors:\n")
		start := len(s.Errors) - 5
		if start < 0 {
			start = 0
		}
		for _, rec := range s.Errors[start:] {
			fmt.Fprintf(&b, "  [%s] %s\n", rec.Severity, rec.Message)
		}
	}
	return b.String()
}

// writeReport persists the report atomically: write to a temp file in
// the same directory, then rename.
func (r *Reporter) writeReport(s *Session) error {
	rep := Report{
		SessionID:      s.ID,
		Goal:           s.Goal,
		Status:         s.Status,
		StepsCompleted: s.CountByStatus(ItemCompleted),
		TotalSteps:     len(s.Plan),
		Timestamp:      time.Now().UTC(),
	}
	for _, a := range s.Artifacts {
		rep.Artifacts = append(rep.Artifacts, a.Path)
	}
	if s.Status == StatusFailed && len(s.Errors) > 0 {
		rep.Error = s.Errors[len(s.Errors)-1].Message
	}

	dir := filepath.Join(r.root, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, s.ID+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, s.ID+".json"))
}

// ReadReport loads a previously written report.
func ReadReport(root, sessionID string) (Report, error) {
	data, err := os.ReadFile(filepath.Join(root, "reports", sessionID+".json"))
	if err != nil {
		return Report{}, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// Reports lists the session ids with a persisted report under root.
func Reports(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "reports"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
