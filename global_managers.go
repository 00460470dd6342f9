// global_managers.go - Process-global subsystem registry with thread contexts

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
global_managers.go - Global subsystem ownership

The filesystem, message queue, thread group, event manager and audio
system form one GlobalManagers value. A host may snapshot the current
context with CreateThreadContext and install it elsewhere with
SetThreadContext; absent any explicit init, each accessor lazily
constructs its subsystem on first use.

Teardown runs in reverse init order, and the audio backend always stops
before the mixer is destroyed.
*/

package main

import (
	"sync"
	"sync/atomic"
)

type ManagerFeatureFlags uint32

const (
	ManagerFeatureFilesystem ManagerFeatureFlags = 1 << iota
	ManagerFeatureEvent
	ManagerFeatureThreadGroup
	ManagerFeatureAudio
	ManagerFeatureCommonRendererData
	ManagerFeatureLogging
	ManagerFeatureAll ManagerFeatureFlags = 0x7fffffff
)

// EventManager keeps latched events alive for late subscribers; the
// audio system posts its start event through here.
type EventManager struct {
	mu       sync.Mutex
	latched  []any
	handlers []func(any)
}

func NewEventManager() *EventManager {
	return &EventManager{}
}

func (em *EventManager) RegisterLatchedHandler(handler func(any)) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.handlers = append(em.handlers, handler)
	for _, ev := range em.latched {
		handler(ev)
	}
}

func (em *EventManager) EnqueueLatched(event any) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.latched = append(em.latched, event)
	for _, h := range em.handlers {
		h(event)
	}
}

func (em *EventManager) DequeueLatched(match func(any) bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	kept := em.latched[:0]
	for _, ev := range em.latched {
		if !match(ev) {
			kept = append(kept, ev)
		}
	}
	em.latched = kept
}

// GlobalManagers bundles every global subsystem.
type GlobalManagers struct {
	Filesystem   *Filesystem
	MessageQueue *MessageQueue
	ThreadGroup  *ThreadGroup
	EventManager *EventManager
	AudioBackend AudioBackend
	AudioMixer   *Mixer

	audioRunning bool
}

var (
	currentContext atomic.Pointer[GlobalManagers]
	contextInitMu  sync.Mutex
)

func getContext() *GlobalManagers {
	if ctx := currentContext.Load(); ctx != nil {
		return ctx
	}
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx := currentContext.Load(); ctx != nil {
		return ctx
	}
	ctx := &GlobalManagers{}
	currentContext.Store(ctx)
	return ctx
}

// GlobalInit constructs the requested subsystems up front.
func GlobalInit(flags ManagerFeatureFlags, maxThreads int) {
	ctx := getContext()
	if flags&ManagerFeatureFilesystem != 0 && ctx.Filesystem == nil {
		ctx.Filesystem = NewFilesystem()
	}
	if flags&ManagerFeatureEvent != 0 && ctx.EventManager == nil {
		ctx.EventManager = NewEventManager()
	}
	if flags&ManagerFeatureLogging != 0 && ctx.MessageQueue == nil {
		ctx.MessageQueue = NewMessageQueue()
	}
	if flags&ManagerFeatureThreadGroup != 0 && ctx.ThreadGroup == nil {
		fg, bg := DefaultWorkerCounts()
		if maxThreads > 0 && fg > maxThreads {
			fg = maxThreads
		}
		ctx.ThreadGroup = NewThreadGroup()
		ctx.ThreadGroup.Start(fg, bg, nil)
	}
	if flags&ManagerFeatureAudio != 0 && ctx.AudioMixer == nil {
		ctx.AudioMixer = NewMixer()
	}
}

// GlobalDeinit releases subsystems in reverse init order. The audio
// backend is stopped before the mixer goes away.
func GlobalDeinit() {
	ctx := currentContext.Load()
	if ctx == nil {
		return
	}
	StopAudioSystem()
	if ctx.AudioBackend != nil {
		ctx.AudioBackend.Stop()
		ctx.AudioBackend = nil
	}
	if ctx.AudioMixer != nil {
		ctx.AudioMixer.Close()
		ctx.AudioMixer = nil
	}
	if ctx.ThreadGroup != nil {
		ctx.ThreadGroup.Stop()
		ctx.ThreadGroup = nil
	}
	if ctx.MessageQueue != nil {
		ctx.MessageQueue.Cork()
		ctx.MessageQueue = nil
	}
	ctx.EventManager = nil
	ctx.Filesystem = nil
	currentContext.Store(nil)
}

// CreateThreadContext snapshots the current global context so another
// component can adopt it with SetThreadContext.
func CreateThreadContext() *GlobalManagers {
	snapshot := *getContext()
	return &snapshot
}

func SetThreadContext(ctx *GlobalManagers) {
	currentContext.Store(ctx)
}

func ClearThreadContext() {
	currentContext.Store(nil)
}

// ------------------------------------------------------------------------------
// Accessors (lazily constructing)
// ------------------------------------------------------------------------------

func GlobalFilesystem() *Filesystem {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.Filesystem == nil {
		logInfo("filesystem was not initialized; lazily initializing")
		ctx.Filesystem = NewFilesystem()
	}
	return ctx.Filesystem
}

func GlobalMessageQueue() *MessageQueue {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.MessageQueue == nil {
		logInfo("message queue was not initialized; lazily initializing")
		ctx.MessageQueue = NewMessageQueue()
	}
	return ctx.MessageQueue
}

func GlobalEventManager() *EventManager {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.EventManager == nil {
		logInfo("event manager was not initialized; lazily initializing")
		ctx.EventManager = NewEventManager()
	}
	return ctx.EventManager
}

func GlobalThreadGroup() *ThreadGroup {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.ThreadGroup == nil {
		logInfo("thread group was not initialized; lazily initializing")
		fg, bg := DefaultWorkerCounts()
		ctx.ThreadGroup = NewThreadGroup()
		ctx.ThreadGroup.Start(fg, bg, nil)
	}
	return ctx.ThreadGroup
}

func GlobalAudioMixer() *Mixer {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.AudioMixer == nil {
		logInfo("audio mixer was not initialized; lazily initializing")
		ctx.AudioMixer = NewMixer()
	}
	return ctx.AudioMixer
}

func GlobalAudioBackend() AudioBackend {
	return getContext().AudioBackend
}

// InstallAudioSystem replaces the backend/mixer pair.
func InstallAudioSystem(backend AudioBackend, mixer *Mixer) {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	ctx.AudioBackend = backend
	ctx.AudioMixer = mixer
}

// StartAudioSystem starts the backend and posts a latched mixer start
// event.
func StartAudioSystem() {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if ctx.audioRunning {
		return
	}
	if ctx.AudioMixer == nil {
		ctx.AudioMixer = NewMixer()
	}
	mixer := ctx.AudioMixer
	if ctx.AudioBackend != nil {
		ctx.AudioBackend.Start()
	}
	if mixer.EventStart != nil {
		mixer.EventStart(mixer)
	}
	GlobalEventManagerLocked(ctx).EnqueueLatched(MixerStartEvent{Mixer: mixer})
	ctx.audioRunning = true
}

// StopAudioSystem stops the backend and removes the latched event.
func StopAudioSystem() {
	ctx := getContext()
	contextInitMu.Lock()
	defer contextInitMu.Unlock()
	if !ctx.audioRunning {
		return
	}
	if ctx.AudioBackend != nil {
		ctx.AudioBackend.Stop()
	}
	if ctx.AudioMixer != nil && ctx.AudioMixer.EventStop != nil {
		ctx.AudioMixer.EventStop(ctx.AudioMixer)
	}
	GlobalEventManagerLocked(ctx).DequeueLatched(func(ev any) bool {
		_, is := ev.(MixerStartEvent)
		return is
	})
	ctx.audioRunning = false
}

// GlobalEventManagerLocked is the accessor variant for callers already
// holding contextInitMu.
func GlobalEventManagerLocked(ctx *GlobalManagers) *EventManager {
	if ctx.EventManager == nil {
		ctx.EventManager = NewEventManager()
	}
	return ctx.EventManager
}
