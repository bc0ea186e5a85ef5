// Package debug provides env-gated diagnostic output. Debug lines go to
// stderr when WEFT_DEBUG is set or --verbose was passed; long-running
// processes can additionally tee them to a rotating log file.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	enabled     = os.Getenv("WEFT_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	mu      sync.Mutex
	logFile io.WriteCloser
)

// Enabled reports whether debug output is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of WEFT_DEBUG.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet suppresses non-essential output.
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled.
func IsQuiet() bool {
	return quietMode
}

// SetLogFile tees debug output to a rotating log at path. Used by the serve
// and watch commands so diagnostics survive restarts without growing
// unbounded.
func SetLogFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	if path == "" {
		logFile = nil
		return
	}
	logFile = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// Close flushes and closes the rotating log, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Logf writes a debug line to stderr (and the log file when configured).
func Logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}

	mu.Lock()
	file := logFile
	mu.Unlock()
	if file != nil {
		fmt.Fprintf(file, "%s %s", time.Now().UTC().Format(time.RFC3339), line)
	}
	if enabled || verboseMode {
		fmt.Fprint(os.Stderr, line)
	}
}

// PrintNormal prints informational output unless quiet mode is enabled.
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}
