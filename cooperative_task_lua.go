// cooperative_task_lua.go - Lua-scripted cooperative runnables

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	lua "github.com/yuin/gopher-lua"
)

// LuaTaskRunnable runs a Lua chunk as a cooperative task. The script
// sees three globals:
//
//	yield()            -- suspend until the next scheduler tick
//	yield_and_delay(s) -- suspend for at least s seconds
//	current_time()     -- the scheduler time of the latest resume
//
// Blocking calls are safe because the script executes on the task's
// own goroutine.
type LuaTaskRunnable struct {
	source string
	err    error
}

func NewLuaTaskRunnable(source string) *LuaTaskRunnable {
	return &LuaTaskRunnable{source: source}
}

// Err returns the script error after the task completes, if any.
func (r *LuaTaskRunnable) Err() error {
	return r.err
}

func (r *LuaTaskRunnable) Run(y *TaskYield) {
	state := lua.NewState()
	defer state.Close()

	state.SetGlobal("yield", state.NewFunction(func(l *lua.LState) int {
		y.Yield()
		return 0
	}))
	state.SetGlobal("yield_and_delay", state.NewFunction(func(l *lua.LState) int {
		y.YieldAndDelay(float64(l.CheckNumber(1)))
		return 0
	}))
	state.SetGlobal("current_time", state.NewFunction(func(l *lua.LState) int {
		l.Push(lua.LNumber(y.CurrentTime()))
		return 1
	}))

	if err := state.DoString(r.source); err != nil {
		r.err = err
		logError("lua cooperative task failed: %v", err)
	}
}
