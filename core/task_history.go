package core

import (
	"reflect"
	"runtime"
	"strings"
	"sync"
)

const defaultTaskHistoryCapacity = 100

// taskHistory keeps the last finished tasks of one scheduler in a fixed ring.
type taskHistory struct {
	mu      sync.Mutex
	records []TaskExecutionRecord
	next    int
	full    bool
}

func newTaskHistory(capacity int) *taskHistory {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	return &taskHistory{records: make([]TaskExecutionRecord, capacity)}
}

func (h *taskHistory) Add(rec TaskExecutionRecord) {
	h.mu.Lock()
	h.records[h.next] = rec
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

func (h *taskHistory) lenLocked() int {
	if h.full {
		return len(h.records)
	}
	return h.next
}

// Recent walks the ring newest first and returns up to limit records that
// match keeps. limit <= 0 means no limit; a nil keep matches everything.
func (h *taskHistory) Recent(limit int, keep func(*TaskExecutionRecord) bool) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.lenLocked()
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	var out []TaskExecutionRecord
	for i := 1; i <= n && len(out) < limit; i++ {
		rec := &h.records[(h.next-i+len(h.records))%len(h.records)]
		if keep == nil || keep(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

func (h *taskHistory) Last() (TaskExecutionRecord, bool) {
	if recs := h.Recent(1, nil); len(recs) == 1 {
		return recs[0], true
	}
	return TaskExecutionRecord{}, false
}

// resolveTaskName labels a task: the explicit name, else the function symbol
// without its import path ("core.noopTask", "main.(*server).handle").
func resolveTaskName(fn TaskFunc, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if fn == nil {
		return "anonymous"
	}
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil || f.Name() == "" {
		return "anonymous"
	}
	name := f.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	// Method values carry a -fm suffix.
	return strings.TrimSuffix(name, "-fm")
}
