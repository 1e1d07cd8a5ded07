package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"pacer/pkg/scheduler"
)

const maxListedFailures = 10

// FormatSummary renders the end-of-batch report (Telegram HTML).
func FormatSummary(batchID string, results []scheduler.Result, took time.Duration) string {
	var ok, failed, cancelled int
	var failures []scheduler.Result
	for _, r := range results {
		switch r.Outcome {
		case scheduler.OutcomeSuccess:
			ok++
		case scheduler.OutcomeFailure:
			failed++
			failures = append(failures, r)
		default:
			cancelled++
		}
	}

	icon := "✅"
	switch {
	case failed > 0:
		icon = "⚠️"
	case cancelled > 0:
		icon = "⏹"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Batch %s</b>\n", icon, html.EscapeString(shortID(batchID)))
	fmt.Fprintf(&b, "total: %d · ok: %d · failed: %d · cancelled: %d\n", len(results), ok, failed, cancelled)
	fmt.Fprintf(&b, "took: %s", took.Round(time.Millisecond))

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].ID < failures[j].ID })
		b.WriteString("\n\n<b>Failures</b>")
		for i, r := range failures {
			if i == maxListedFailures {
				fmt.Fprintf(&b, "\n… and %d more", len(failures)-maxListedFailures)
				break
			}
			fmt.Fprintf(&b, "\n• <code>%s</code> (%d attempts): %s",
				html.EscapeString(r.ID), r.Attempts, html.EscapeString(errText(r.Err)))
		}
	}
	return b.String()
}

// FormatFailure renders an alert for a task that exhausted its attempts.
func FormatFailure(task scheduler.Task, err error) string {
	return fmt.Sprintf("❌ <b>Task failed</b> <code>%s</code>\ncategory: %s · attempts: %d\n%s",
		html.EscapeString(task.ID),
		html.EscapeString(string(task.Category)),
		task.Attempt,
		html.EscapeString(errText(err)),
	)
}

func errText(err error) string {
	if err == nil {
		return "-"
	}
	s := err.Error()
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
