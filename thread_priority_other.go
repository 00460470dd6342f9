//go:build !linux

// thread_priority_other.go - Worker thread priority stubs (non-Linux)

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

func setWorkerThreadPriority(TaskClass) {}

func setMainThreadPriority() {}
