// Package dbglog provides the engine's own diagnostic logging, entirely
// separate from the protocol sink: nothing written here ever reaches the
// adapter. Modelled on the teacher's Verbose/Verboseln/Verbosef helpers
// (engine/base.go), swapping fmt.Print for colourised output.
package dbglog

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Verbose gates diagnostic output; set from the -v/--verbose CLI flag.
var Verbose bool

// Info prints a green diagnostic line when Verbose is set.
func Info(format string, a ...interface{}) {
	if Verbose {
		color.Green(format, a...)
	}
}

// Gdb-style name kept for continuity with the teacher's "message exchanged
// with the external tool" helper; here it traces protocol traffic instead
// of gdb/mi traffic.
func ProtocolOut(format string, a ...interface{}) {
	if Verbose {
		color.Cyan(format, a...)
	}
}

// Warn prints a yellow warning unconditionally, matching the teacher's
// startup diagnostics (e.g. "no --ext-dir provided").
func Warn(format string, a ...interface{}) {
	color.Yellow(format, a...)
}

// Fatal prints in the teacher's red-background style and exits; used only
// by the CLI layer (cmd/), never by the in-process engine, which must
// always report errors through the protocol sink instead of exiting.
func Fatal(format string, a ...interface{}) {
	fmt.Print(color.New(color.BgRed).Sprint("fatal: "))
	fmt.Println(fmt.Sprintf(format, a...))
	os.Exit(1)
}
