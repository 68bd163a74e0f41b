/*
Package log provides structured logging for theorycore using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

theorycore's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("orchestrator")            │          │
	│  │  - WithExecutionID("exec-abc123")           │          │
	│  │  - WithPlanID("plan-xyz")                   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "orchestrator",             │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "execution dispatched"        │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF execution dispatched component=orchestrator │ │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all theorycore packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithExecutionID: Add execution_id context
  - WithPlanID: Add plan context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Checking container health: port=8420 attempt=3"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Execution dispatched: llm/litellm@1 (local)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Digest mismatch on execution exec-abc123, overriding to error"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to start container: image not found"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open ledger: %v"

# Usage

Initializing the Logger:

	import "github.com/theoryrun/theorycore/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/theoryctl.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("orchestrator ready")
	log.Debug("polling container health")
	log.Warn("local adapter unavailable")
	log.Error("failed to connect to containerd")
	log.Fatal("cannot start without a ledger") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("execution_id", "exec-abc123").
		Int("timeout_s", 600).
		Msg("execution dispatched")

	log.Logger.Error().
		Err(err).
		Str("ref", "llm/litellm@1").
		Msg("adapter invoke failed")

Component Loggers:

	// Create component-specific logger
	orchLog := log.WithComponent("orchestrator")
	orchLog.Info().Msg("invoke started")
	orchLog.Debug().Str("ref", "llm/litellm@1").Msg("resolving write prefix")

	// Multiple context fields
	execLog := log.WithComponent("adapter").
		With().Str("execution_id", "exec-abc123").
		Str("ref", "llm/litellm@1").Logger()
	execLog.Info().Msg("starting container")
	execLog.Error().Err(err).Msg("health check failed")

Context Logger Helpers:

	// Execution-specific logs
	execLog := log.WithExecutionID("exec-abc123")
	execLog.Info().Msg("envelope returned")

	// Plan-specific logs
	planLog := log.WithPlanID("plan-xyz")
	planLog.Info().Msg("ledger settled")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/theoryrun/theorycore/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("theoryctl starting")

		// Component-specific logging
		orchLog := log.WithComponent("orchestrator")
		orchLog.Info().
			Str("execution_id", "exec-1").
			Int("timeout_s", 600).
			Msg("invoking tool")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "adapter").
			Msg("failed to connect to containerd")

		log.Info("theoryctl stopped")
	}

# Integration Points

This package integrates with:

  - pkg/orchestrator: Logs invoke lifecycle and ledger settlement
  - pkg/adapter: Logs container start/stop and health checks
  - pkg/supervisor: Logs WebSocket handshakes and run lifecycle
  - pkg/worker: Logs execution start, uploads, and envelope results
  - pkg/registry: Logs tool spec loads and cache misses

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"orchestrator","time":"2024-10-13T10:30:00Z","message":"execution dispatched"}
	{"level":"info","component":"adapter","execution_id":"exec-abc123","time":"2024-10-13T10:30:01Z","message":"container started"}
	{"level":"error","component":"adapter","execution_id":"exec-abc123","error":"image not found","time":"2024-10-13T10:30:02Z","message":"failed to start container"}

Console Format (Development):

	2024-10-13T10:30:00Z INF execution dispatched component=orchestrator
	2024-10-13T10:30:01Z INF container started component=adapter execution_id=exec-abc123
	2024-10-13T10:30:02Z ERR failed to start container component=adapter execution_id=exec-abc123 error="image not found"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Records the error message under the "error" field (no stack trace)
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, API keys, and presigned URL query strings
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err()
  - Include context (execution_id, plan)

Don't:
  - Log sensitive data (secrets, presigned URLs)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
