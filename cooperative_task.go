// cooperative_task.go - Cooperative scheduling primitive for scripted logic

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
cooperative_task.go - Green-thread cooperative tasks

Each CooperativeTask runs its runnable on a dedicated goroutine with a
resume/yield channel handshake, so Resume() behaves exactly like a
fiber switch: it returns only once the runnable has yielded, delayed or
completed. This layer is independent of the ThreadGroup worker pools;
it serves event-driven and animation code that wants linear control
flow across frames.

Contract: IsRunnable(t) == (!complete && t >= sleepUntil); Yield
returns control to the scheduler; the task is complete when Run
returns.
*/

package main

import (
	"runtime"
)

// TaskYield is handed to a runnable's Run; all methods must be called
// from inside Run.
type TaskYield struct {
	task *CooperativeTask
}

// CurrentTime is the scheduler time passed to the latest Resume.
func (y *TaskYield) CurrentTime() float64 {
	return y.task.currentTime
}

// Yield suspends until the next Resume.
func (y *TaskYield) Yield() {
	y.task.switchToScheduler()
}

// YieldAndDelay suspends and makes the task non-runnable until
// CurrentTime + delay.
func (y *TaskYield) YieldAndDelay(delay float64) {
	y.task.sleepUntil = y.task.currentTime + delay
	y.task.switchToScheduler()
}

// CooperativeRunnable is the unit of cooperatively-scheduled work.
type CooperativeRunnable interface {
	Run(y *TaskYield)
}

// CooperativeTask drives one runnable.
type CooperativeTask struct {
	runnable CooperativeRunnable

	resume chan float64
	yield  chan struct{}
	stop   chan struct{}

	started     bool
	currentTime float64
	sleepUntil  float64
	complete    bool
}

func NewCooperativeTask(runnable CooperativeRunnable) *CooperativeTask {
	return &CooperativeTask{
		runnable: runnable,
		resume:   make(chan float64),
		yield:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

func (t *CooperativeTask) switchToScheduler() {
	t.yield <- struct{}{}
	select {
	case time := <-t.resume:
		t.currentTime = time
	case <-t.stop:
		runtime.Goexit()
	}
}

// Resume switches into the task until it yields or completes. Must not
// be called on a complete task.
func (t *CooperativeTask) Resume(currentTime float64) {
	if t.complete {
		return
	}
	if !t.started {
		t.started = true
		go func() {
			select {
			case time := <-t.resume:
				t.currentTime = time
			case <-t.stop:
				return
			}
			t.runnable.Run(&TaskYield{task: t})
			t.complete = true
			t.yield <- struct{}{}
		}()
	}
	t.resume <- currentTime
	<-t.yield
}

// IsRunnable reports whether Resume would make progress at the given
// scheduler time.
func (t *CooperativeTask) IsRunnable(currentTime float64) bool {
	return !t.complete && currentTime >= t.sleepUntil
}

func (t *CooperativeTask) IsComplete() bool {
	return t.complete
}

// Dispose tears down an incomplete task's goroutine. Safe to call
// multiple times and on complete tasks.
func (t *CooperativeTask) Dispose() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// ------------------------------------------------------------------------------
// CooperativeScheduler
// ------------------------------------------------------------------------------

// CooperativeScheduler owns a set of tasks and pumps the runnable ones
// each tick. Complete tasks are dropped in place.
type CooperativeScheduler struct {
	tasks []*CooperativeTask
}

func (s *CooperativeScheduler) Add(runnable CooperativeRunnable) *CooperativeTask {
	task := NewCooperativeTask(runnable)
	s.tasks = append(s.tasks, task)
	return task
}

// Tick resumes every runnable task once and reaps completed ones.
// Returns the number of live tasks remaining.
func (s *CooperativeScheduler) Tick(currentTime float64) int {
	live := s.tasks[:0]
	for _, task := range s.tasks {
		if task.IsRunnable(currentTime) {
			task.Resume(currentTime)
		}
		if !task.IsComplete() {
			live = append(live, task)
		}
	}
	s.tasks = live
	return len(s.tasks)
}

func (s *CooperativeScheduler) Close() {
	for _, task := range s.tasks {
		task.Dispose()
	}
	s.tasks = nil
}
