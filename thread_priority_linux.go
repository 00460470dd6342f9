// thread_priority_linux.go - Worker thread priority control (Linux)

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import "golang.org/x/sys/unix"

// Background workers get a niceness bump so foreground rendering work
// is never starved by asset churn. Requires the caller to have locked
// the goroutine to its OS thread.
func setWorkerThreadPriority(class TaskClass) {
	if class == TaskClassBackground {
		tid := unix.Gettid()
		_ = unix.Setpriority(unix.PRIO_PROCESS, tid, 10)
	}
}

func setMainThreadPriority() {
	tid := unix.Gettid()
	_ = unix.Setpriority(unix.PRIO_PROCESS, tid, -5)
}
