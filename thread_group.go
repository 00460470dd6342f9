// thread_group.go - Foreground/background worker pools with a task DAG

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
thread_group.go - Heterogeneous task scheduler

Two worker pools (Foreground at default priority, Background at low
priority) each own a condvar-protected ready queue. Work is expressed
as TaskGroups: a group collects tasks while unflushed, and flushing
satisfies the group's one implicit dependency. Tasks become schedulable
once the group is flushed and every upstream group has completed.

Ordering guarantees:
  - Within a group, task order is unspecified.
  - AddDependency(A, B) establishes happens-before: no task of A starts
    before every task of B has completed.
  - A TaskSignal attached to a group increments exactly once when the
    group completes, providing wait-at-least semantics.

There is no cancellation. Stop() waits idle, then wakes all workers
with the dead flag set.
*/

package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------------------------
// TaskSignal
// ------------------------------------------------------------------------------

// TaskSignal is a monotonic counter notified when a TaskGroup completes.
type TaskSignal struct {
	lock    sync.Mutex
	cond    *sync.Cond
	counter uint64
}

func NewTaskSignal() *TaskSignal {
	s := &TaskSignal{}
	s.cond = sync.NewCond(&s.lock)
	return s
}

func (s *TaskSignal) SignalIncrement() {
	s.lock.Lock()
	s.counter++
	s.cond.Broadcast()
	s.lock.Unlock()
}

func (s *TaskSignal) WaitUntilAtLeast(count uint64) {
	s.lock.Lock()
	for s.counter < count {
		s.cond.Wait()
	}
	s.lock.Unlock()
}

func (s *TaskSignal) Count() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.counter
}

// ------------------------------------------------------------------------------
// Task plumbing
// ------------------------------------------------------------------------------

type TaskClass uint8

const (
	TaskClassForeground TaskClass = iota
	TaskClassBackground
)

type task struct {
	callable func()
	deps     *taskDeps
}

// taskDeps is the refcount-free Go analogue of the group dependency
// node. dependencyCount starts at 1: the implicit flush dependency.
type taskDeps struct {
	group *ThreadGroup

	pending      []*taskDeps
	count        atomic.Uint32
	pendingTasks []*task
	signal       *TaskSignal

	dependencyCount atomic.Uint32

	condLock  sync.Mutex
	cond      *sync.Cond
	done      bool
	taskClass TaskClass
	desc      string
}

func newTaskDeps(group *ThreadGroup) *taskDeps {
	d := &taskDeps{group: group}
	d.dependencyCount.Store(1)
	d.cond = sync.NewCond(&d.condLock)
	return d
}

func (d *taskDeps) notifyDependees() {
	if d.signal != nil {
		d.signal.SignalIncrement()
	}

	for _, dep := range d.pending {
		dep.dependencySatisfied()
	}
	d.pending = nil

	d.condLock.Lock()
	d.done = true
	d.cond.Broadcast()
	d.condLock.Unlock()
}

func (d *taskDeps) taskCompleted() {
	oldTasks := d.count.Add(^uint32(0)) + 1
	if oldTasks == 0 {
		panic("taskCompleted underflow")
	}
	if oldTasks == 1 {
		d.notifyDependees()
	}
}

func (d *taskDeps) dependencySatisfied() {
	oldDeps := d.dependencyCount.Add(^uint32(0)) + 1
	if oldDeps == 0 {
		panic("dependencySatisfied underflow")
	}

	if oldDeps == 1 {
		if len(d.pendingTasks) == 0 {
			d.notifyDependees()
		} else {
			d.group.moveToReadyTasks(d.pendingTasks)
			d.pendingTasks = nil
		}
	}
}

// ------------------------------------------------------------------------------
// TaskGroup
// ------------------------------------------------------------------------------

// TaskGroup collects tasks until flushed. A group must be flushed
// exactly once; Submit, Wait and Poll flush implicitly.
type TaskGroup struct {
	group   *ThreadGroup
	deps    *taskDeps
	flushed bool
}

func (g *TaskGroup) Flush() {
	if g.flushed {
		panic("cannot flush a task group more than once")
	}
	g.flushed = true
	g.deps.dependencySatisfied()
}

func (g *TaskGroup) Wait() {
	if !g.flushed {
		g.Flush()
	}
	g.deps.condLock.Lock()
	for !g.deps.done {
		g.deps.cond.Wait()
	}
	g.deps.condLock.Unlock()
}

func (g *TaskGroup) Poll() bool {
	if !g.flushed {
		g.Flush()
	}
	return g.deps.count.Load() == 0
}

// Enqueue adds a task to an unflushed group.
func (g *TaskGroup) Enqueue(fn func()) {
	if g.flushed {
		panic("cannot enqueue work to a flushed task group")
	}
	g.deps.pendingTasks = append(g.deps.pendingTasks, &task{callable: fn, deps: g.deps})
	g.deps.count.Add(1)
}

func (g *TaskGroup) SetFenceCounterSignal(signal *TaskSignal) {
	g.deps.signal = signal
}

func (g *TaskGroup) SetDesc(desc string) {
	if len(desc) > 63 {
		desc = desc[:63]
	}
	g.deps.desc = desc
}

func (g *TaskGroup) SetTaskClass(class TaskClass) {
	g.deps.taskClass = class
}

func (g *TaskGroup) ThreadGroup() *ThreadGroup {
	return g.group
}

// ------------------------------------------------------------------------------
// ThreadGroup
// ------------------------------------------------------------------------------

type workerPool struct {
	workers  int
	mu       sync.Mutex
	cond     *sync.Cond
	ready    []*task
	done     sync.WaitGroup
}

// ThreadGroup runs two pools of OS-thread-pinned workers and schedules
// task DAGs across them.
type ThreadGroup struct {
	fg, bg workerPool

	active bool
	dead   atomic.Bool

	waitCond     *sync.Cond
	waitCondLock sync.Mutex

	totalTasks     atomic.Uint32
	completedTasks atomic.Uint32

	trace *TimelineTraceFile
}

func NewThreadGroup() *ThreadGroup {
	tg := &ThreadGroup{}
	tg.fg.cond = sync.NewCond(&tg.fg.mu)
	tg.bg.cond = sync.NewCond(&tg.bg.mu)
	tg.waitCond = sync.NewCond(&tg.waitCondLock)
	return tg
}

// DefaultWorkerCounts derives pool sizes from the CPU count, honoring
// GRANITE_NUM_WORKER_THREADS as an override for the foreground pool.
func DefaultWorkerCounts() (fg, bg int) {
	n := runtime.NumCPU()
	if env := os.Getenv("GRANITE_NUM_WORKER_THREADS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			n = v
		}
	}
	fg = max(n-1, 1)
	bg = max(n/2, 1)
	return fg, bg
}

func (tg *ThreadGroup) Start(numForeground, numBackground int, onThreadBegin func()) {
	if tg.active {
		panic("cannot start a thread group which has already started")
	}
	tg.dead.Store(false)
	tg.active = true

	if path := os.Getenv("GRANITE_TIMELINE_TRACE"); path != "" {
		trace, err := NewTimelineTraceFile(path)
		if err != nil {
			logWarn("failed to enable timeline trace at %s: %v", path, err)
		} else {
			logInfo("enabling JSON timeline tracing to %s", path)
			tg.trace = trace
		}
	}

	tg.fg.workers = numForeground
	tg.bg.workers = numBackground

	spawn := func(pool *workerPool, class TaskClass, index int) {
		pool.done.Add(1)
		go func() {
			defer pool.done.Done()
			runtime.LockOSThread()
			tid := workerName(class, index)
			setWorkerThreadPriority(class)
			if onThreadBegin != nil {
				onThreadBegin()
			}
			tg.threadLooper(pool, tid)
		}()
	}

	for i := 0; i < numForeground; i++ {
		spawn(&tg.fg, TaskClassForeground, i)
	}
	for i := 0; i < numBackground; i++ {
		spawn(&tg.bg, TaskClassBackground, i)
	}
}

func workerName(class TaskClass, index int) string {
	if class == TaskClassForeground {
		return fmt.Sprintf("FG-%d", index)
	}
	return fmt.Sprintf("BG-%d", index)
}

func (tg *ThreadGroup) NumThreads() int {
	return tg.fg.workers + tg.bg.workers
}

func (tg *ThreadGroup) TimelineTraceFile() *TimelineTraceFile {
	return tg.trace
}

// CreateTask returns a fresh group holding one task.
func (tg *ThreadGroup) CreateTask(fn func()) *TaskGroup {
	group := &TaskGroup{group: tg, deps: newTaskDeps(tg)}
	group.deps.pendingTasks = append(group.deps.pendingTasks, &task{callable: fn, deps: group.deps})
	group.deps.count.Store(1)
	return group
}

// CreateTaskGroup returns an empty group; tasks are added with Enqueue.
func (tg *ThreadGroup) CreateTaskGroup() *TaskGroup {
	return &TaskGroup{group: tg, deps: newTaskDeps(tg)}
}

func (tg *ThreadGroup) EnqueueTask(group *TaskGroup, fn func()) {
	group.Enqueue(fn)
}

// AddDependency makes dependee wait for dependency. Neither group may
// have been flushed yet.
func (tg *ThreadGroup) AddDependency(dependee, dependency *TaskGroup) {
	if dependency.flushed {
		panic("cannot wait for task group which has been flushed")
	}
	if dependee.flushed {
		panic("cannot add dependency to task group which has been flushed")
	}
	dependency.deps.pending = append(dependency.deps.pending, dependee.deps)
	dependee.deps.dependencyCount.Add(1)
}

// Submit flushes the group; the handle should not be reused afterwards.
func (tg *ThreadGroup) Submit(group *TaskGroup) {
	group.Flush()
}

func (tg *ThreadGroup) moveToReadyTasks(list []*task) {
	var fgTasks, bgTasks int
	for _, t := range list {
		if t.deps.taskClass == TaskClassForeground {
			fgTasks++
		} else {
			bgTasks++
		}
	}

	tg.totalTasks.Add(uint32(len(list)))

	dispatch := func(pool *workerPool, count int, class TaskClass) {
		if count == 0 {
			return
		}
		pool.mu.Lock()
		for _, t := range list {
			if t.deps.taskClass == class {
				pool.ready = append(pool.ready, t)
			}
		}
		if count >= pool.workers {
			pool.cond.Broadcast()
		} else {
			for i := 0; i < count; i++ {
				pool.cond.Signal()
			}
		}
		pool.mu.Unlock()
	}

	dispatch(&tg.fg, fgTasks, TaskClassForeground)
	dispatch(&tg.bg, bgTasks, TaskClassBackground)
}

func (tg *ThreadGroup) threadLooper(pool *workerPool, tid string) {
	for {
		var t *task

		pool.mu.Lock()
		for !tg.dead.Load() && len(pool.ready) == 0 {
			pool.cond.Wait()
		}
		if tg.dead.Load() && len(pool.ready) == 0 {
			pool.mu.Unlock()
			return
		}
		t = pool.ready[0]
		pool.ready = pool.ready[1:]
		pool.mu.Unlock()

		if t.callable != nil {
			start := time.Now()
			t.callable()
			if tg.trace != nil {
				tg.trace.Duration(tid, t.deps.desc, start, time.Since(start))
			}
		}

		t.deps.taskCompleted()

		completed := tg.completedTasks.Add(1)
		if completed == tg.totalTasks.Load() {
			tg.waitCondLock.Lock()
			tg.waitCond.Broadcast()
			tg.waitCondLock.Unlock()
		}
	}
}

func (tg *ThreadGroup) WaitIdle() {
	tg.waitCondLock.Lock()
	for tg.totalTasks.Load() != tg.completedTasks.Load() {
		tg.waitCond.Wait()
	}
	tg.waitCondLock.Unlock()
}

func (tg *ThreadGroup) IsIdle() bool {
	return tg.totalTasks.Load() == tg.completedTasks.Load()
}

func (tg *ThreadGroup) Stop() {
	if !tg.active {
		return
	}

	tg.WaitIdle()

	tg.fg.mu.Lock()
	tg.bg.mu.Lock()
	tg.dead.Store(true)
	tg.fg.cond.Broadcast()
	tg.bg.cond.Broadcast()
	tg.bg.mu.Unlock()
	tg.fg.mu.Unlock()

	tg.fg.done.Wait()
	tg.bg.done.Wait()

	tg.active = false
	tg.dead.Store(false)

	if tg.trace != nil {
		tg.trace.Close()
		tg.trace = nil
	}
}

// SetAsyncMainThread names and boosts the calling thread when an
// application runs its main loop off the primary thread.
func SetAsyncMainThread() {
	runtime.LockOSThread()
	setMainThreadPriority()
}
