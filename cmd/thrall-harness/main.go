// Package main is a local development harness for the Thrall pipeline
// engine. It stands in for the host: it loads a plugin directory from disk,
// wires every subsystem exactly the way a real host would, and then lets an
// operator feed it on_mail/on_tick events from a terminal.
//
// Usage:
//
//	thrall-harness run <plugin_dir>    — interactive REPL
//	thrall-harness version             — print version
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/thrallguard/thrall/internal/admin"
	"github.com/thrallguard/thrall/internal/breaker"
	"github.com/thrallguard/thrall/internal/config"
	"github.com/thrallguard/thrall/internal/filter"
	"github.com/thrallguard/thrall/internal/observability"
	"github.com/thrallguard/thrall/internal/pipeline"
	"github.com/thrallguard/thrall/internal/plugin"
	"github.com/thrallguard/thrall/internal/store"
	"github.com/thrallguard/thrall/internal/trust"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		dir := "."
		if len(os.Args) >= 3 {
			dir = os.Args[2]
		}
		runREPL(dir)
	case "version":
		fmt.Printf("thrall-harness v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `thrall-harness v%s — drives the Thrall engine against a fake host

Usage:
  thrall-harness run <plugin_dir>   Interactive REPL against plugin_dir
  thrall-harness version            Print version

REPL commands once running:
  mail <from_node> <msg_type> <session_id|-> <body...>
  tick <peers> <health>
  replay <journal_id>
  admin list
  admin get <name>
  admin load <name> <content...>
  quit
`, version)
}

// harnessContext is the fake plugin.Context the REPL drives the engine
// through: SendMail prints instead of touching a transport, VaultGet reads
// from the process environment, and Log prints the line to stdout.
type harnessContext struct {
	dir    string
	nodeID string
}

func (h *harnessContext) SendMail(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error {
	kind := "agent"
	if system {
		kind = "system"
	}
	fmt.Printf("[mail:%s] -> %s type=%s session=%q body=%q\n", kind, toNode, msgType, sessionID, body)
	return nil
}

func (h *harnessContext) Log(line string) {
	fmt.Println(line)
}

func (h *harnessContext) PluginDir() string { return h.dir }

func (h *harnessContext) VaultGet(key string) (string, bool) {
	v, ok := os.LookupEnv("THRALL_VAULT_" + strings.ToUpper(key))
	return v, ok
}

func (h *harnessContext) NodeID() string { return h.nodeID }

var _ plugin.Context = (*harnessContext)(nil)

// bootstrap loads the plugin directory and wires every subsystem the engine
// needs, in the same order a real host's plugin loader would.
func bootstrap(dir string) (*plugin.Runner, *pipeline.Pipeline, *admin.Service, *store.Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("harness: create plugin dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "thrall.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("harness: open thrall.log: %w", err)
	}
	nodeID := os.Getenv("THRALL_NODE_ID")
	if nodeID == "" {
		nodeID = "ad8d21d81a497993harnessnode0000"
	}
	logger := observability.NewLoggerWithHandler(nodeID, observability.NewEventLogHandler(logFile))

	mgr, err := config.NewManager(dir, slog.Default())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("harness: load config: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, "thrall.db"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("harness: open store: %w", err)
	}

	guard, err := breaker.NewGuard(filepath.Join(dir, "breakers"), mgr.Current().Plugin, st, mailViaLogger(logger), slog.Default())
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("harness: breaker guard: %w", err)
	}
	resolver := trust.NewResolver(trust.Tiers{
		Team:  mgr.Current().Plugin.Team,
		Known: mgr.Current().Plugin.Known,
	})
	flt := filter.New(guard, resolver, st)

	hctx := &harnessContext{dir: dir, nodeID: nodeID}

	eng, err := pipeline.New(pipeline.Dependencies{
		Store:     st,
		Config:    mgr,
		Filter:    flt,
		Guard:     guard,
		Trust:     resolver,
		Mail:      hctx.SendMail,
		PluginDir: dir,
		OwnNodeID: nodeID,
		Logger:    logger,
		Metrics:   observability.NewMetricsCollector(10_000),
	})
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("harness: pipeline: %w", err)
	}

	return plugin.New(eng, hctx), eng, admin.New(st, mgr), st, nil
}

// mailViaLogger gives the breaker guard a SendMailFunc for its own system
// mail (breaker trips, knock alerts) that just logs, matching the harness's
// stand-in transport.
func mailViaLogger(logger *observability.Logger) breaker.SendMailFunc {
	return func(ctx context.Context, toNode, msgType, body, sessionID string, system bool) error {
		logger.BreakerEvent("system_mail", toNode, msgType)
		return nil
	}
}

func runREPL(dir string) {
	runner, eng, adminSvc, st, err := bootstrap(dir)
	if err != nil {
		log.Fatalf("thrall-harness: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		_ = runner.OnShutdown(ctx)
		cancel()
	}()

	fmt.Printf("thrall-harness v%s — plugin_dir=%s (type 'quit' to exit)\n\n", version, dir)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		dispatchCommand(ctx, runner, eng, adminSvc, line)
	}
}

func dispatchCommand(ctx context.Context, runner *plugin.Runner, eng *pipeline.Pipeline, adminSvc *admin.Service, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		os.Exit(0)
	case "mail":
		handleMailCommand(ctx, runner, fields)
	case "tick":
		handleTickCommand(ctx, runner, fields)
	case "replay":
		handleReplayCommand(ctx, eng, fields)
	case "admin":
		handleAdminCommand(ctx, adminSvc, fields)
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
}

func handleMailCommand(ctx context.Context, runner *plugin.Runner, fields []string) {
	if len(fields) < 5 {
		fmt.Println("usage: mail <from_node> <msg_type> <session_id|-> <body...>")
		return
	}
	sessionID := fields[3]
	if sessionID == "-" {
		sessionID = ""
	}
	body := strings.Join(fields[4:], " ")
	if err := runner.OnMailReceived(ctx, fields[2], fields[1], "localnode", body, sessionID); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func handleTickCommand(ctx context.Context, runner *plugin.Runner, fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: tick <peers> <health>")
		return
	}
	peers, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("error: peers must be an integer: %v\n", err)
		return
	}
	health := "ok"
	if len(fields) >= 3 {
		health = strings.Join(fields[2:], " ")
	}
	if err := runner.OnTick(ctx, peers, health); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func handleReplayCommand(ctx context.Context, eng *pipeline.Pipeline, fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: replay <journal_id>")
		return
	}
	if err := eng.Replay(ctx, fields[1]); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("replayed (dryrun); see the new journal row")
}

func handleAdminCommand(ctx context.Context, adminSvc *admin.Service, fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: admin <list|get|load> ...")
		return
	}
	switch fields[1] {
	case "list":
		resp := adminSvc.Handle(ctx, admin.Request{Op: "list"})
		if !resp.OK {
			fmt.Printf("error: %s\n", resp.Error)
			return
		}
		for _, p := range resp.Prompts {
			fmt.Printf("%s v%d hash=%s pushed_by=%s\n", p.Name, p.Version, p.Hash, p.PushedBy)
		}
	case "get":
		if len(fields) < 3 {
			fmt.Println("usage: admin get <name>")
			return
		}
		resp := adminSvc.Handle(ctx, admin.Request{Op: "get", Name: fields[2]})
		if !resp.OK {
			fmt.Printf("error: %s\n", resp.Error)
			return
		}
		fmt.Println(resp.Prompt.TemplateText)
	case "load":
		if len(fields) < 4 {
			fmt.Println("usage: admin load <name> <content...>")
			return
		}
		resp := adminSvc.Handle(ctx, admin.Request{
			Op:       "load",
			Name:     fields[2],
			Content:  strings.Join(fields[3:], " "),
			PushedBy: "harness-operator",
		})
		if !resp.OK {
			fmt.Printf("error: %s\n", resp.Error)
			return
		}
		fmt.Printf("loaded %s v%d hash=%s\n", resp.Prompt.Name, resp.Prompt.Version, resp.Prompt.Hash)
	default:
		fmt.Printf("unknown admin op: %s\n", fields[1])
	}
}
