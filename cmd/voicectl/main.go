// Command voicectl calls the bot's MCP tools over websocket.
//
//	voicectl [-url ws://localhost:8080/mcp/ws] [-args '{"max_ticks":100}'] <tool|list>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/internal/mcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "voicectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	fs := flag.NewFlagSet("voicectl", flag.ContinueOnError)
	url := fs.String("url", envOr("VOICECTL_URL", "ws://localhost:8080/mcp/ws"), "MCP websocket endpoint")
	rawArgs := fs.String("args", "", "tool arguments as a JSON object")
	timeout := fs.Duration("timeout", 10*time.Second, "overall call timeout")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: voicectl [flags] <tool|list>")
	}
	tool := fs.Arg(0)

	var args map[string]any
	if *rawArgs != "" {
		if err := json.Unmarshal([]byte(*rawArgs), &args); err != nil {
			return fmt.Errorf("parse -args: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := mcp.NewClientWrapper("voicectl", "dev")
	if err := client.ConnectWebSocket(ctx, *url); err != nil {
		return fmt.Errorf("connect %s: %w", *url, err)
	}
	defer client.Close()
	logging.Debugw("voicectl: calling tool", "tool", tool, "url", *url)

	if tool == "list" {
		names, err := client.ListTools(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, strings.Join(names, "\n"))
		return err
	}
	text, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, text)
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
