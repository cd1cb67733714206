package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

func TestMergeTranscriptDropsDuplicates(t *testing.T) {
	live := []task.Message{
		{Role: "user", Content: "2+2"},
		{Role: "assistant", Content: "thinking..."},
	}
	snapshot := []task.Message{
		{Role: "user", Content: "2+2"},
		{Role: "assistant", Content: "4"},
	}

	merged := MergeTranscript(live, snapshot)
	assert.Equal(t, []task.Message{
		{Role: "user", Content: "2+2"},
		{Role: "assistant", Content: "4"},
		{Role: "assistant", Content: "thinking..."},
	}, merged)
}

// Same content from different roles is not a duplicate.
func TestMergeTranscriptRoleMatters(t *testing.T) {
	live := []task.Message{{Role: "user", Content: "ok"}}
	snapshot := []task.Message{{Role: "assistant", Content: "ok"}}

	merged := MergeTranscript(live, snapshot)
	assert.Len(t, merged, 2)
}

func TestMergeTranscriptEmptySides(t *testing.T) {
	msgs := []task.Message{{Role: "user", Content: "hi"}}
	assert.Equal(t, msgs, MergeTranscript(nil, msgs))
	assert.Equal(t, msgs, MergeTranscript(msgs, nil))
	assert.Empty(t, MergeTranscript(nil, nil))
}

func TestMergeTranscriptRepeatedSnapshotLines(t *testing.T) {
	snapshot := []task.Message{
		{Role: "assistant", Content: "step"},
		{Role: "assistant", Content: "step"},
	}
	merged := MergeTranscript(nil, snapshot)
	// A pure passthrough keeps the snapshot as-is.
	assert.Len(t, merged, 2)

	merged = MergeTranscript([]task.Message{{Role: "user", Content: "q"}}, snapshot)
	assert.Len(t, merged, 2, "snapshot-internal repeats collapse once merging happens")
}
