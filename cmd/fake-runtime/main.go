// ABOUTME: Fake agent runtime for local and E2E testing, speaks the stream-json CLI protocol.
// ABOUTME: Usage: fake-runtime [--delay 10ms] [--resume TOKEN] (prompts with "ask", "tool", "slow", "crash" are scripted)
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/2389/coven-chat/internal/runtime/cli/fakecli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	code := fakecli.Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}
