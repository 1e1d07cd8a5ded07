// Package logx configures pacer's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A zero value that is a safe no-op, so library code never nil-checks
package logx
