package relay

import (
	"fmt"
	"log"
	"os"
)

// Logging convention, carried over from the connect package:
// Info:
//     essential events for abnormal behavior. Silent on normal operation
//     except for infrequent initialization data useful for monitoring.
//     this includes:
//     - backpressure and connectivity timeouts
//     - abnormal exits
// Urgent:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug:
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with ids that can be used to filter
//     - frequent events (send, retry, forward, receive, ack) should be
//       summarized as statistics rather than logged per data point

const (
	LogLevelUrgent = 0
	LogLevelInfo   = 50
	LogLevelDebug  = 100
)

// LogLevel gates every LogFunction produced by LogFn/SubLogFn. Not safe to
// mutate concurrently with active workers; set it before Engine.Start.
var LogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= LogLevel {
			m := fmt.Sprintf(format, a...)
			logger.Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, parent LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= LogLevel {
			m := fmt.Sprintf(format, a...)
			parent("%s: %s", tag, m)
		}
	}
}
