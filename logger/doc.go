// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by the API, the workers
// and the sandbox layer. Production mode emits JSON with ISO8601 timestamps;
// development mode emits coloured console output.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.ForJob(log, jobID, "python").Info("job reserved")
package logger
