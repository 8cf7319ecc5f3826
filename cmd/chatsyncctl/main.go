package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// init works without a running daemon.
	if args[0] == "init" {
		cmdInit(sessionName, args[1:])
		return
	}

	if _, running := lock.Holder(session.LockPath(sessionName)); !running {
		fatalf("daemon for session %q is not running (start chatsyncd --session %s)", sessionName, sessionName)
	}
	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, args[1:], *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "read":
		if len(args) != 2 {
			fatalf("usage: chatsyncctl read <jid>")
		}
		if err := c.MarkAsRead(ctx, args[1]); err != nil {
			fatalf("%v", err)
		}
	case "send":
		if len(args) < 3 {
			fatalf("usage: chatsyncctl send <jid> <text>")
		}
		resp, err := c.SendText(ctx, args[1], strings.Join(args[2:], " "), "")
		if err != nil {
			fatalf("%v", err)
		}
		output(resp, *jsonFlag, func() { fmt.Printf("Queued as %v\n", resp["client_msg_id"]) })
	case "sync":
		resp, err := c.StartSync(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		output(resp, *jsonFlag, func() { fmt.Println(resp["message"]) })
	case "clear":
		fs := flag.NewFlagSet("clear", flag.ExitOnError)
		resync := fs.Bool("resync", false, "start a full sync after clearing")
		_ = fs.Parse(args[1:])
		resp, err := c.ClearCache(ctx, *resync)
		if err != nil {
			fatalf("%v", err)
		}
		output(resp, *jsonFlag, func() { fmt.Printf("Cache cleared (resync started: %v)\n", resp["resync_started"]) })
	case "reconcile":
		resp, err := c.Reconcile(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		output(resp, *jsonFlag, func() {
			removed, _ := resp["removed"].([]any)
			if len(removed) == 0 {
				fmt.Println("Nothing to remove.")
				return
			}
			for _, j := range removed {
				fmt.Printf("Removed %v\n", j)
			}
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init --self <jid> --url <base-url> [--token <t>] [--default]")
	fmt.Fprintln(os.Stderr, "                           Write the session config")
	fmt.Fprintln(os.Stderr, "  status                   Show daemon and sync status")
	fmt.Fprintln(os.Stderr, "  conversations [--limit n]")
	fmt.Fprintln(os.Stderr, "                           List cached conversations")
	fmt.Fprintln(os.Stderr, "  messages [--limit n] [--before ms] <jid>")
	fmt.Fprintln(os.Stderr, "                           List cached messages")
	fmt.Fprintln(os.Stderr, "  read <jid>               Mark a conversation as read")
	fmt.Fprintln(os.Stderr, "  send <jid> <text>        Queue a text message")
	fmt.Fprintln(os.Stderr, "  sync                     Run a sync pass now")
	fmt.Fprintln(os.Stderr, "  clear [--resync]         Clear the local cache")
	fmt.Fprintln(os.Stderr, "  reconcile                Drop conversations the server no longer lists")
	fmt.Fprintln(os.Stderr, "  watch [jid]              Stream daemon events")
}

func cmdInit(sessionName string, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	self := fs.String("self", "", "local account address")
	baseURL := fs.String("url", "", "history service base URL")
	token := fs.String("token", "", "history service token")
	makeDefault := fs.Bool("default", false, "make this the default session")
	_ = fs.Parse(args)

	path := session.SessionConfigPath(sessionName)
	cfg, err := config.LoadSession(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fatalf("%v", err)
		}
		cfg = config.Defaults()
	}
	if *self != "" {
		cfg.SelfJID = *self
	}
	if *baseURL != "" {
		cfg.Remote.BaseURL = *baseURL
	}
	if *token != "" {
		cfg.Remote.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		fatalf("%v", err)
	}
	if err := config.SaveSession(path, cfg); err != nil {
		fatalf("save config: %v", err)
	}
	if *makeDefault {
		global, err := config.Load(session.ConfigPath())
		if err != nil {
			global = &config.Config{}
		}
		global.DefaultSession = sessionName
		if err := config.Save(session.ConfigPath(), global); err != nil {
			fatalf("save global config: %v", err)
		}
	}
	fmt.Printf("Session %q written to %s\n", sessionName, path)
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.GetSyncStatus(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	output(resp, jsonOut, func() {
		fmt.Printf("Session:       %v\n", resp["session"])
		fmt.Printf("State:         %v\n", resp["state"])
		fmt.Printf("Syncing:       %v\n", resp["syncing"])
		fmt.Printf("Conversations: %v\n", resp["conversation_count"])
		fmt.Printf("Messages:      %v\n", resp["message_count"])
		if ms, ok := resp["last_sync_ms"].(float64); ok && ms > 0 {
			fmt.Printf("Last sync:     %s\n", time.UnixMilli(int64(ms)).Format(time.RFC3339))
		}
		fmt.Printf("Uptime:        %vms\n", resp["uptime_ms"])
	})
}

func cmdConversations(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum number of conversations")
	_ = fs.Parse(args)

	resp, err := c.ListConversations(ctx, *limit)
	if err != nil {
		fatalf("%v", err)
	}
	output(resp, jsonOut, func() {
		items, _ := resp["conversations"].([]any)
		if len(items) == 0 {
			fmt.Println("No conversations cached.")
			return
		}
		for _, it := range items {
			conv := it.(map[string]any)
			last, _ := conv["last_message"].(map[string]any)
			name := conv["display_name"]
			if name == "" {
				name = conv["jid"]
			}
			fmt.Printf("%-30v %3v unread  %v\n", name, conv["unread_count"], last["body"])
		}
	})
}

func cmdMessages(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum number of messages")
	before := fs.Int64("before", 0, "only messages older than this Unix ms timestamp")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: chatsyncctl messages [--limit n] [--before ms] <jid>")
	}

	resp, err := c.ListMessages(ctx, fs.Arg(0), *limit, *before)
	if err != nil {
		fatalf("%v", err)
	}
	output(resp, jsonOut, func() {
		items, _ := resp["messages"].([]any)
		for _, it := range items {
			m := it.(map[string]any)
			ts, _ := m["timestamp_ms"].(float64)
			fmt.Printf("%s  %-4v %-12v %v\n",
				time.UnixMilli(int64(ts)).Format("2006-01-02 15:04"), m["from"], m["status"], m["body"])
		}
	})
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conv := ""
	if len(args) > 0 {
		conv = args[0]
	}
	err := c.Watch(ctx, conv, "", func(evt map[string]any) error {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(evt)
		}
		fmt.Printf("%-24v %v\n", evt["kind"], evt["payload"])
		return nil
	})
	if err != nil {
		fatalf("%v", err)
	}
}

func output(v map[string]any, jsonOut bool, text func()) {
	if jsonOut {
		outputJSON(v)
		return
	}
	text()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
