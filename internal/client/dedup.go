package client

import (
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// MergeTranscript combines a live transcript accumulated from push messages
// with the authoritative transcript from a terminal snapshot. Messages the
// client already displayed are recognized by role plus content and not
// appended again, so a reconnect or a poll-confirmed result never shows the
// same line twice. Order follows the snapshot, with live-only extras kept at
// their original positions.
func MergeTranscript(live, snapshot []task.Message) []task.Message {
	if len(snapshot) == 0 {
		return live
	}
	if len(live) == 0 {
		return snapshot
	}

	seen := make(map[messageKey]bool, len(snapshot))
	merged := make([]task.Message, 0, len(snapshot)+len(live))
	for _, msg := range snapshot {
		key := keyOf(msg)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, msg)
	}
	for _, msg := range live {
		key := keyOf(msg)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, msg)
	}
	return merged
}

type messageKey struct {
	role    string
	content string
}

func keyOf(msg task.Message) messageKey {
	return messageKey{role: msg.Role, content: msg.Content}
}
