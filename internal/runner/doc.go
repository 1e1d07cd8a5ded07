// Package runner provides scheduler.Runner implementations and the task
// file loader used by the pacer command.
//
//   - HTTP sends each payload to an external endpoint and maps the
//     response status onto the scheduler's retry policy.
//   - Sim fakes latency and failures for dry runs and load tests.
package runner
