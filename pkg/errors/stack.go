package errors

import (
	"fmt"
	"runtime"
	"strings"
)

type stack []uintptr

const maxStackDepth = 32

func callers() *stack {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// fullStack returns "function file:line" entries, runtime frames excluded.
func (s *stack) fullStack() []string {
	var lines []string
	frames := runtime.CallersFrames(*s)
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	// the rate limiters key on stacks[2]
	for len(lines) < 3 {
		lines = append(lines, "")
	}
	return lines
}
