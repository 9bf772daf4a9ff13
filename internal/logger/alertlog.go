package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// AlertLogEntry is one alert lifecycle transition written to the audit trail.
type AlertLogEntry struct {
	Timestamp       time.Time `json:"@timestamp"`
	TenantID        string    `json:"tenant_id"`
	AlertID         uint      `json:"alert_id"`
	Fingerprint     string    `json:"fingerprint"`
	RuleID          uint      `json:"rule_id"`
	DeviceID        string    `json:"device_id"`
	Metric          string    `json:"metric"`
	Transition      string    `json:"transition"` // opened, retriggered, closed, acknowledged, escalated
	Status          string    `json:"status"`
	Severity        int       `json:"severity"`
	Value           float64   `json:"value"`
	TriggerCount    int       `json:"trigger_count"`
	EscalationLevel int       `json:"escalation_level"`
	Actor           string    `json:"actor,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// FileAlertLog appends alert transitions to daily JSONL files
// (alerts-YYYY-MM-DD.jsonl) under Dir.
type FileAlertLog struct {
	Dir string
	mu  sync.Mutex
}

// NewFileAlertLog creates the log directory.
func NewFileAlertLog(dir string) (*FileAlertLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &FileAlertLog{Dir: dir}, nil
}

// WriteAlertLog appends entry to the file of its day.
func (f *FileAlertLog) WriteAlertLog(_ context.Context, entry *AlertLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	path := filepath.Join(f.Dir, fmt.Sprintf("alerts-%s.jsonl", entry.Timestamp.Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open alert log: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal alert log entry: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write alert log entry: %w", err)
	}
	return nil
}

// AlertLogQuery filters QueryAlertLogs.
type AlertLogQuery struct {
	TenantID  string     `json:"tenant_id"`
	AlertID   *uint      `json:"alert_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// AlertLogResult is a page of entries, newest first.
type AlertLogResult struct {
	Total int              `json:"total"`
	Logs  []*AlertLogEntry `json:"logs"`
}

// QueryAlertLogs scans the daily files covering the query range.
func (f *FileAlertLog) QueryAlertLogs(q *AlertLogQuery) (*AlertLogResult, error) {
	end := time.Now().UTC()
	if q.EndTime != nil {
		end = *q.EndTime
	}
	start := end.AddDate(0, 0, -7)
	if q.StartTime != nil {
		start = *q.StartTime
	}

	matched := make([]*AlertLogEntry, 0)
	for d := start; !d.After(end.AddDate(0, 0, 1)); d = d.AddDate(0, 0, 1) {
		path := filepath.Join(f.Dir, fmt.Sprintf("alerts-%s.jsonl", d.Format("2006-01-02")))
		entries, err := readAlertLogFile(path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if q.TenantID != "" && e.TenantID != q.TenantID {
				continue
			}
			if q.AlertID != nil && e.AlertID != *q.AlertID {
				continue
			}
			if e.Timestamp.Before(start) || e.Timestamp.After(end) {
				continue
			}
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	lo := q.Offset
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := lo + limit
	if hi > len(matched) {
		hi = len(matched)
	}
	return &AlertLogResult{Total: len(matched), Logs: matched[lo:hi]}, nil
}

func readAlertLogFile(path string) ([]*AlertLogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*AlertLogEntry, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry AlertLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}
