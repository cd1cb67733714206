package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammrl/owl-redesign-prototype/internal/client"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

var (
	serverURL string
	verbose   bool
	noPush    bool
	module    string
	timeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "owl-client",
		Short:        "Command line client for the task orchestration server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8000", "Server base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	askCmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Submit a query and wait for the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(args[0])
		},
	}
	askCmd.Flags().StringVarP(&module, "module", "m", "run", "Agent module (run, run_mini, run_browser)")
	askCmd.Flags().BoolVar(&noPush, "no-push", false, "Skip the push channel, use polling only")
	askCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long (task keeps running server-side)")

	statusCmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Fetch one task snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(args[0])
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(args[0])
		},
	}

	var listStatus string
	var listLimit, listOffset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List task summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(listStatus, listLimit, listOffset)
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 10, "Page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Page offset")

	rootCmd.AddCommand(askCmd, statusCmd, cancelCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newManager() *client.Manager {
	level := "warn"
	if verbose {
		level = "debug"
	}
	obs := observability.NewLogger(observability.LogConfig{Level: level})
	return client.NewManager(client.Config{
		BaseURL:     serverURL,
		PollTimeout: timeout,
	}, logging.FromObservability(obs, "client"))
}

func runAsk(query string) error {
	m := newManager()
	defer m.Close()

	done := make(chan struct{})
	go printUpdates(m, done)

	if !noPush {
		m.Start()
		// Give the push channel a moment; polling covers us if it is slow.
		waitForConnect(m, 2*time.Second)
	}

	t, err := m.Ask(context.Background(), query, module)
	close(done)
	if err != nil {
		if task.IsTimeout(err) {
			fmt.Printf("still running; check later with: owl-client status <task-id>\n")
		}
		return err
	}

	printResult(t)
	return nil
}

func runStatus(taskID string) error {
	m := newManager()
	defer m.Close()

	t, err := m.Fetch(context.Background(), taskID)
	if err != nil {
		return err
	}
	printResult(t)
	return nil
}

func runCancel(taskID string) error {
	m := newManager()
	defer m.Close()

	ok, err := m.CancelHTTP(context.Background(), taskID)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("task %s cancelled\n", taskID)
	} else {
		fmt.Printf("task %s could not be cancelled\n", taskID)
	}
	return nil
}

func runList(status string, limit, offset int) error {
	m := newManager()
	defer m.Close()

	summaries, err := m.ListHTTP(context.Background(), status, limit, offset)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%-42s %-10s %-12s %s\n", s.TaskID, s.Status, s.Module, s.Query)
	}
	return nil
}

func waitForConnect(m *client.Manager, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if m.State() == client.StateConnected {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func printUpdates(m *client.Manager, done chan struct{}) {
	for {
		select {
		case u := <-m.Updates():
			switch u.Type {
			case "connected":
				if verbose {
					fmt.Fprintln(os.Stderr, "[push channel connected]")
				}
			case "status":
				fmt.Fprintf(os.Stderr, "[%s] %s\n", u.TaskID, u.Status)
			case "log":
				if verbose {
					fmt.Fprintf(os.Stderr, "[%s] %s\n", u.TaskID, u.Message)
				}
			case "transport_error":
				fmt.Fprintf(os.Stderr, "[connection lost: %v, falling back to polling]\n", u.Err)
			}
		case <-done:
			return
		}
	}
}

func printResult(t *task.Task) {
	fmt.Printf("task:   %s\n", t.ID)
	fmt.Printf("status: %s\n", t.Status)
	if t.Result != nil {
		fmt.Printf("answer: %s\n", t.Result.Answer)
		if verbose {
			fmt.Printf("tokens: %d prompt / %d completion\n",
				t.Result.TokenUsage.Prompt, t.Result.TokenUsage.Completion)
		}
	}
	if t.Error != nil {
		fmt.Printf("error:  %s (%s)\n", t.Error.Message, t.Error.Kind)
	}
}
