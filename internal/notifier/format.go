package notifier

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"tgninja/internal/eventbus"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
)

const (
	// maxMessageRunes is Telegram's text message limit.
	maxMessageRunes = 4096
	maxReasonRunes  = 512
)

// FromEvent maps an engine event to a notification. Recurring job runs and
// non-terminal states produce nothing.
func FromEvent(e eventbus.Event) (Notification, bool) {
	switch d := e.Data.(type) {
	case engine.JobEvent:
		if d.Recurring || d.UserRef == 0 {
			return Notification{}, false
		}
		return jobFinished(d)
	case engine.ImpairedEvent:
		if d.UserRef == 0 {
			return Notification{}, false
		}
		text := fmt.Sprintf("⚠️ Account %s was disabled: %s", d.AccountRef, orDash(truncRunes(d.Reason, maxReasonRunes)))
		if d.JobID != "" {
			text += fmt.Sprintf("\nJob %s was halted.", d.JobID)
		}
		return Notification{UserRef: d.UserRef, Text: truncRunes(text, maxMessageRunes), Key: "impaired:" + d.AccountRef}, true
	}
	return Notification{}, false
}

func jobFinished(d engine.JobEvent) (Notification, bool) {
	var b strings.Builder
	switch storage.Status(d.Status) {
	case storage.StatusCompleted:
		fmt.Fprintf(&b, "✅ %s job %s completed", title(d.Kind), d.JobID)
	case storage.StatusFailed:
		fmt.Fprintf(&b, "❌ %s job %s failed", title(d.Kind), d.JobID)
	default:
		return Notification{}, false
	}
	if d.Processed > 0 || d.Total > 0 {
		fmt.Fprintf(&b, "\nProcessed %d/%d: %d succeeded, %d failed", d.Processed, d.Total, d.Succeeded, d.Failed)
		if d.Satisfied > 0 {
			fmt.Fprintf(&b, ", %d already done", d.Satisfied)
		}
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "\nReason: %s", truncRunes(d.Error, maxReasonRunes))
	}
	return Notification{UserRef: d.UserRef, Text: truncRunes(b.String(), maxMessageRunes), Key: "job:" + d.JobID + ":" + d.Status}, true
}

func title(kind string) string {
	if kind == "" {
		return "Job"
	}
	kind = strings.ReplaceAll(kind, "_", " ")
	return strings.ToUpper(kind[:1]) + kind[1:]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// truncRunes cuts s to at most n runes, ending with "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
