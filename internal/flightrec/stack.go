package flightrec

import "runtime"

const maxStackDepth = 64

// captureStack returns the stack of its caller, dropping the innermost
// skip frames.
func captureStack(skip int) []Frame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, Frame{Name: f.Function, Filename: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}
