package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	stdLogFlags      = log.LstdFlags | log.LUTC
	stdDebugLogFlags = log.LstdFlags | log.Lshortfile | log.LUTC
	outputCallDepth  = 2

	DebugLogger = log.New(stdout, "DEBUG: ", stdDebugLogFlags)
	InfoLogger  = log.New(stdout, "INFO: ", stdLogFlags)
	WarnLogger  = log.New(stderr, "WARN: ", stdLogFlags)
	ErrorLogger = log.New(stderr, "ERROR: ", stdLogFlags)
	FatalLogger = log.New(stderr, "FATAL: ", log.LstdFlags|log.Llongfile|log.LUTC)
)

// stdout and stderr are interception points: the ConsoleInterceptor swaps
// the underlying writers at process start. See interceptor.go.
var (
	stdout = newSwappableWriter(os.Stdout)
	stderr = newSwappableWriter(os.Stderr)
)

// SuppressOutput suppresses all output from logs if `suppress` is true.
// Used while testing.
func SuppressOutput(suppress bool) {
	if suppress {
		DebugLogger.SetOutput(io.Discard)
		InfoLogger.SetOutput(io.Discard)
		WarnLogger.SetOutput(io.Discard)
		ErrorLogger.SetOutput(io.Discard)
	} else {
		DebugLogger.SetOutput(stdout)
		InfoLogger.SetOutput(stdout)
		WarnLogger.SetOutput(stderr)
		ErrorLogger.SetOutput(stderr)
	}
}

var debug uint32

func SetDebug(val bool) {
	if val {
		atomic.StoreUint32(&debug, 1)
		InfoLogger.SetFlags(stdDebugLogFlags)
		ErrorLogger.SetFlags(stdDebugLogFlags)
	} else {
		atomic.StoreUint32(&debug, 0)
		InfoLogger.SetFlags(stdLogFlags)
		ErrorLogger.SetFlags(stdLogFlags)
	}
}

func Debugf(format string, args ...interface{}) {
	if atomic.LoadUint32(&debug) == 0 {
		return
	}

	s := fmt.Sprintf(format, args...)
	DebugLogger.Output(outputCallDepth, s)
}

func Infof(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	InfoLogger.Output(outputCallDepth, s)
}

func Warnf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	WarnLogger.Output(outputCallDepth, s)
}

func Errorf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	ErrorLogger.Output(outputCallDepth, s)
}

func Fatalf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	FatalLogger.Output(outputCallDepth, s)
	os.Exit(1)
}
