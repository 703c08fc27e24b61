package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/mcpchat/internal/agent"
)

var (
	chatThread string
	chatJSON   bool
)

// chatCmd runs turns from the command line. Without arguments it reads one
// message per line from stdin, all on the same thread.
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to the agent and print the reply",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "Thread ID (default: a new ULID)")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "Print the full run result as JSON")
}

func runChat(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := env.newSession(ctx, toolSource)
	if err != nil {
		return err
	}
	defer sess.Close()

	thread := chatThread
	if thread == "" {
		thread = agent.NewThreadID()
	}

	if len(args) > 0 {
		return chatTurn(ctx, cmd, sess, thread, strings.Join(args, " "))
	}
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := chatTurn(ctx, cmd, sess, thread, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func chatTurn(ctx context.Context, cmd *cobra.Command, sess *agent.Session, thread, input string) error {
	res, err := sess.Run(ctx, thread, input)
	if err != nil {
		return fmt.Errorf("thread %s: %w", thread, err)
	}
	out := cmd.OutOrStdout()
	if chatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err = fmt.Fprintln(out, res.Reply)
	return err
}
