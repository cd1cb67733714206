package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunnerArithmetic(t *testing.T) {
	r := &LocalRunner{}

	cases := map[string]string{
		"2+2":          "4",
		" 10 - 3 ":     "7",
		"6*7":          "42",
		"9/3":          "3",
		"5/0":          "undefined",
		"what is 2+2?": "Processed query: what is 2+2",
		"hello":        "Processed query: hello",
	}
	for query, want := range cases {
		result, err := r.Run(context.Background(), query, "run")
		require.NoError(t, err, "query %q", query)
		assert.Equal(t, want, result.Answer, "query %q", query)
	}
}

func TestLocalRunnerResultShape(t *testing.T) {
	r := &LocalRunner{}
	result, err := r.Run(context.Background(), "2+2", "run")
	require.NoError(t, err)

	require.Len(t, result.Transcript, 2)
	assert.Equal(t, "user", result.Transcript[0].Role)
	assert.Equal(t, "2+2", result.Transcript[0].Content)
	assert.Equal(t, "assistant", result.Transcript[1].Role)
	assert.Equal(t, "4", result.Transcript[1].Content)

	assert.Greater(t, result.TokenUsage.Prompt, 0)
	assert.Greater(t, result.TokenUsage.Completion, 0)
	assert.Equal(t, result.TokenUsage.Prompt+result.TokenUsage.Completion, result.TokenUsage.Total)
}

func TestLocalRunnerHonorsCancellation(t *testing.T) {
	r := &LocalRunner{Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "2+2", "run")
	assert.ErrorIs(t, err, context.Canceled)
}
