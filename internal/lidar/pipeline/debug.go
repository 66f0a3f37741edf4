package pipeline

import "sync/atomic"

type logFunc func(format string, v ...interface{})

// Debug streams, both off by default: diag gets one summary line per
// cycle, trace gets every state transition.
var diagLog, traceLog atomic.Pointer[logFunc]

// SetDebugLoggers installs the diag and trace streams. A nil function
// disables that stream. Warnings always go through monitoring.Warnf.
func SetDebugLoggers(diag, trace func(format string, v ...interface{})) {
	store := func(p *atomic.Pointer[logFunc], f func(string, ...interface{})) {
		if f == nil {
			p.Store(nil)
			return
		}
		lf := logFunc(f)
		p.Store(&lf)
	}
	store(&diagLog, diag)
	store(&traceLog, trace)
}

func diagf(format string, args ...interface{}) {
	if f := diagLog.Load(); f != nil {
		(*f)(format, args...)
	}
}

func tracef(format string, args ...interface{}) {
	if f := traceLog.Load(); f != nil {
		(*f)(format, args...)
	}
}
