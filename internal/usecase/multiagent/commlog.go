package multiagent

import (
	"sort"
	"sync"
	"time"
)

// Kind is the type of a logged exchange.
type Kind string

const (
	KindAsk    Kind = "ask"
	KindNotify Kind = "notify"
)

// LogEntry records one message between workers.
type LogEntry struct {
	ID       string        `json:"id"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Kind     Kind          `json:"kind"`
	Message  string        `json:"message"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// Pattern counts the exchanges between one ordered pair of workers.
type Pattern struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// commLog is a bounded log that drops the oldest entries once full.
type commLog struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int
	written int64 // total entries ever written, including dropped
}

func newCommLog(max int) *commLog {
	if max <= 0 {
		max = 1000
	}
	return &commLog{entries: make([]LogEntry, 0, min(max, 64)), max: max}
}

func (l *commLog) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.written++
	if len(l.entries) > l.max {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-l.max:]...)
	}
}

func (l *commLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

func (l *commLog) total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// patterns aggregates the retained entries by (from, to), most frequent first.
func (l *commLog) patterns() []Pattern {
	type pair struct{ from, to string }
	counts := make(map[pair]int)
	for _, e := range l.snapshot() {
		counts[pair{e.From, e.To}]++
	}
	out := make([]Pattern, 0, len(counts))
	for p, n := range counts {
		out = append(out, Pattern{From: p.from, To: p.to, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
