// logging.go - Levelled logging helpers with terminal color styling

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"log"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	logStyledOutput = term.IsTerminal(int(os.Stderr.Fd()))

	infoTag  = color.New(color.FgCyan).Sprint("[INFO]")
	warnTag  = color.New(color.FgYellow).Sprint("[WARN]")
	errorTag = color.New(color.FgRed, color.Bold).Sprint("[ERROR]")
)

func init() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	if !logStyledOutput {
		color.NoColor = true
		infoTag = "[INFO]"
		warnTag = "[WARN]"
		errorTag = "[ERROR]"
	}
}

func logInfo(format string, args ...any) {
	log.Printf(infoTag+" "+format, args...)
}

func logWarn(format string, args ...any) {
	log.Printf(warnTag+" "+format, args...)
}

func logError(format string, args ...any) {
	log.Printf(errorTag+" "+format, args...)
}
