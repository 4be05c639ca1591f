package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/vrf_direct_funding/internal/middleware"
)

// auditEntry records one operator action.
type auditEntry struct {
	Time       time.Time `json:"time"`
	Subject    string    `json:"subject,omitempty"`
	Role       string    `json:"role,omitempty"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    auditSink
}

type auditSink interface {
	Write(entry auditEntry) error
}

func newAuditLog(max int, sink auditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		_ = l.sink.Write(entry)
	}
}

// record captures an operator action after the response status is known.
func (l *auditLog) record(r *http.Request, action, target string, status int) {
	l.add(auditEntry{
		Time:       time.Now().UTC(),
		Subject:    middleware.GetSubject(r.Context()),
		Role:       middleware.GetRole(r.Context()),
		Action:     action,
		Target:     target,
		Path:       r.URL.Path,
		Method:     r.Method,
		Status:     status,
		RemoteAddr: r.RemoteAddr,
	})
}

// listLimit returns up to limit entries, newest last.
func (l *auditLog) listLimit(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	start := 0
	if len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]auditEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// writerAuditSink appends audit entries as JSONL.
type writerAuditSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newWriterAuditSink(w io.Writer) auditSink {
	if w == nil {
		return nil
	}
	return &writerAuditSink{w: w}
}

func (s *writerAuditSink) Write(entry auditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}
