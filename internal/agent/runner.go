// Package agent defines the boundary to the opaque agent function. The
// reasoning loop behind it (tool selection, multi-turn planning) lives
// outside this repository; everything here only cares that a query plus a
// module selector eventually produces an answer with token accounting.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// Runner executes one query to completion or failure. Implementations may
// block for minutes; cancellation via ctx is cooperative at best.
type Runner interface {
	Run(ctx context.Context, query, module string) (*task.Result, error)
}

// LocalRunner is a deterministic in-process runner so the orchestration
// layer can be exercised end to end without external model access. It
// answers trivial arithmetic directly and echoes everything else.
type LocalRunner struct {
	// Delay simulates agent latency per request. Zero means no delay.
	Delay time.Duration
}

func (r *LocalRunner) Run(ctx context.Context, query, module string) (*task.Result, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answer := evaluate(query)
	transcript := []task.Message{
		{Role: "user", Content: query},
		{Role: "assistant", Content: answer},
	}

	prompt := estimateTokens(query) + estimateTokens(module)
	completion := estimateTokens(answer)
	return &task.Result{
		Answer: answer,
		TokenUsage: task.TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		Transcript: transcript,
	}, nil
}

// evaluate handles "a+b"-style arithmetic and falls back to an echo.
func evaluate(query string) string {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), "?"))
	for _, op := range []string{"+", "-", "*", "/"} {
		parts := strings.SplitN(trimmed, op, 2)
		if len(parts) != 2 {
			continue
		}
		a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
		b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errA != nil || errB != nil {
			continue
		}
		switch op {
		case "+":
			return strconv.Itoa(a + b)
		case "-":
			return strconv.Itoa(a - b)
		case "*":
			return strconv.Itoa(a * b)
		case "/":
			if b == 0 {
				return "undefined"
			}
			return strconv.Itoa(a / b)
		}
	}
	return fmt.Sprintf("Processed query: %s", trimmed)
}

// estimateTokens approximates token counts at four characters per token,
// never reporting zero for non-empty text.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
