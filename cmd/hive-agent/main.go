// ABOUTME: Minimal echo agent for exercising a broker end to end.
// ABOUTME: Usage: hive-agent [-broker-url ws://...] [-name echo] (env vars work too)

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pi-hive/hive/internal/client"
	"github.com/pi-hive/hive/internal/identity"
	"github.com/pi-hive/hive/internal/inbox"
)

func main() {
	fs := flag.NewFlagSet("hive-agent", flag.ExitOnError)
	ident := identity.Flags(fs)
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(os.Args[1:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*ident, logger); err != nil {
		log.Fatal(err)
	}
}

func run(ident identity.Identity, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if ident.Name == "" {
		ident.Name = "echo"
	}
	if ident.Role == "" {
		ident.Role = "echo"
	}

	sess, err := client.Dial(ctx, ident, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer sess.Close()

	self := sess.Self()
	fmt.Fprintf(os.Stderr, "registered as %s (id: %s)\n", self.Name, self.ID)

	// The runtime is a stub that answers every injected message with an
	// echo, driving the same start/end lifecycle a real LLM runtime would.
	rt := &echoRuntime{logger: logger}
	box := inbox.New(rt, sess, logger)
	rt.box = box

	remove := sess.AddListener(box.HandleRecord)
	defer remove()

	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		return fmt.Errorf("broker connection lost")
	}
}

// echoRuntime fakes an LLM turn: each injected message becomes one turn
// whose sole assistant output echoes the content back.
type echoRuntime struct {
	logger *slog.Logger
	box    *inbox.Inbox
}

func (r *echoRuntime) Inject(content string) error {
	r.logger.Info("injected", "content", content)
	go func() {
		r.box.AgentStart()
		time.Sleep(50 * time.Millisecond) // simulate thinking
		r.box.AgentEnd([]inbox.TurnMessage{
			{Role: "user", Blocks: []string{content}},
			{Role: "assistant", Blocks: []string{echoReply(content)}},
		})
	}()
	return nil
}

func (r *echoRuntime) FollowUp(content string) error {
	return r.Inject(content)
}

func echoReply(content string) string {
	// Strip the injected "[<label>]: " prefix so the echo carries only the
	// original payload.
	if i := strings.Index(content, "]: "); strings.HasPrefix(content, "[") && i >= 0 {
		content = content[i+3:]
	}
	return "Echo: " + content
}
