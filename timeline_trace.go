// timeline_trace.go - Chrome-trace JSON timeline event writer

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimelineTraceFile records duration events into a chrome://tracing
// compatible JSON array. Enabled with GRANITE_TIMELINE_TRACE=<path>.
// Each worker registers a tid label ("main", "FG-0", "BG-1", ...).
type TimelineTraceFile struct {
	mu        sync.Mutex
	file      *os.File
	first     bool
	sessionID string
	epoch     time.Time
}

type traceEvent struct {
	Name string         `json:"name"`
	Ph   string         `json:"ph"`
	Tid  string         `json:"tid"`
	Pid  string         `json:"pid"`
	Ts   float64        `json:"ts"`
	Dur  float64        `json:"dur,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

func NewTimelineTraceFile(path string) (*TimelineTraceFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t := &TimelineTraceFile{
		file:      f,
		first:     true,
		sessionID: uuid.NewString(),
		epoch:     time.Now(),
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return nil, err
	}
	t.emit(traceEvent{
		Name: "session",
		Ph:   "i",
		Tid:  "main",
		Pid:  t.sessionID,
		Ts:   0,
	})
	return t, nil
}

func (t *TimelineTraceFile) emit(ev traceEvent) {
	ev.Pid = t.sessionID
	data, err := json.Marshal(&ev)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return
	}
	if !t.first {
		t.file.WriteString(",\n")
	}
	t.first = false
	t.file.Write(data)
}

// Duration records a completed span on the given tid.
func (t *TimelineTraceFile) Duration(tid, name string, start time.Time, dur time.Duration) {
	if t == nil {
		return
	}
	t.emit(traceEvent{
		Name: name,
		Ph:   "X",
		Tid:  tid,
		Ts:   float64(start.Sub(t.epoch)) / float64(time.Microsecond),
		Dur:  float64(dur) / float64(time.Microsecond),
	})
}

// Instant records a point event on the given tid.
func (t *TimelineTraceFile) Instant(tid, name string) {
	if t == nil {
		return
	}
	t.emit(traceEvent{
		Name: name,
		Ph:   "i",
		Tid:  tid,
		Ts:   float64(time.Since(t.epoch)) / float64(time.Microsecond),
	})
}

func (t *TimelineTraceFile) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	t.file.WriteString("\n]\n")
	err := t.file.Close()
	t.file = nil
	return err
}
