package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/voipsms/smsd/internal/api"
	"github.com/voipsms/smsd/internal/phone"
	"github.com/voipsms/smsd/internal/session"
	"github.com/voipsms/smsd/internal/store"
	grpcstatus "google.golang.org/grpc/status"
)

const callTimeout = 10 * time.Second

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not talk to a daemon.
	switch args[0] {
	case "sessions":
		cmdSessions(*jsonFlag)
		return
	case "use":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: smsctl use <session>")
			os.Exit(2)
		}
		if err := session.SetDefault(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default session is now %q.\n", args[1])
		return
	}

	c, err := api.Dial(session.For(sessionName).Socket())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &command{client: c, json: *jsonFlag, args: args[1:]}
	switch args[0] {
	case "status":
		err = cmd.status(ctx)
	case "sync":
		err = cmd.sync(ctx)
	case "watch":
		err = cmd.watch(ctx)
	case "conversations":
		err = cmd.conversations(ctx)
	case "messages":
		err = cmd.messages(ctx)
	case "send":
		err = cmd.send(ctx)
	case "resend":
		err = cmd.resend(ctx)
	case "delete":
		err = cmd.deleteMessage(ctx)
	case "delete-conversation":
		err = cmd.conversationAction(ctx, "Delete")
	case "archive":
		err = cmd.conversationAction(ctx, "Archive")
	case "unarchive":
		err = cmd.conversationAction(ctx, "Unarchive")
	case "read":
		err = cmd.conversationAction(ctx, "MarkRead")
	case "unread":
		err = cmd.conversationAction(ctx, "MarkUnread")
	case "draft":
		err = cmd.draft(ctx)
	case "dids":
		err = cmd.dids(ctx)
	case "verify":
		err = cmd.verify(ctx)
	case "tombstones":
		err = cmd.tombstones(ctx)
	case "export":
		err = cmd.backup(ctx, true)
	case "import":
		err = cmd.backup(ctx, false)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "usage: smsctl %s\n", string(usage))
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", grpcstatus.Convert(err).Message())
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: smsctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  sessions                               List sessions and their daemons")
	fmt.Fprintln(os.Stderr, "  use <session>                          Set the default session")
	fmt.Fprintln(os.Stderr, "  status                                 Show daemon status")
	fmt.Fprintln(os.Stderr, "  sync [--recent] [--background]         Synchronize with VoIP.ms")
	fmt.Fprintln(os.Stderr, "  sync cancel                            Cancel the running sync")
	fmt.Fprintln(os.Stderr, "  watch                                  Stream daemon events")
	fmt.Fprintln(os.Stderr, "  conversations [--filter q] [--archived]")
	fmt.Fprintln(os.Stderr, "  messages <did> <contact> [--limit n]")
	fmt.Fprintln(os.Stderr, "  send <did> <contact> <text>")
	fmt.Fprintln(os.Stderr, "  resend <id>                            Retry a failed message")
	fmt.Fprintln(os.Stderr, "  delete <id>                            Delete one message")
	fmt.Fprintln(os.Stderr, "  delete-conversation <did> <contact>")
	fmt.Fprintln(os.Stderr, "  archive|unarchive <did> <contact>")
	fmt.Fprintln(os.Stderr, "  read|unread <did> <contact>")
	fmt.Fprintln(os.Stderr, "  draft <did> <contact> [text]           Show or set a draft; \"\" clears it")
	fmt.Fprintln(os.Stderr, "  dids [--remote] [--refresh]            List or import account DIDs")
	fmt.Fprintln(os.Stderr, "  verify                                 Check the API credentials")
	fmt.Fprintln(os.Stderr, "  tombstones clear                       Allow deleted messages to sync again")
	fmt.Fprintln(os.Stderr, "  export <file>                          Copy the message database")
	fmt.Fprintln(os.Stderr, "  import <file>                          Replace the message database")
}

type usageError string

func (u usageError) Error() string { return "usage: " + string(u) }

type command struct {
	client *api.Client
	json   bool
	args   []string
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

func (c *command) conversationArg(usage string) (api.Conversation, error) {
	if len(c.args) < 2 {
		return api.Conversation{}, usageError(usage)
	}
	return api.Conversation{DID: c.args[0], Contact: c.args[1]}, nil
}

func (c *command) status(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Session:       %s (pid %d)\n", resp.Session, resp.PID)
	fmt.Printf("Status:        %s (since %s)\n", resp.State, formatTime(resp.StateSince))
	if resp.Detail != "" {
		fmt.Printf("Detail:        %s\n", resp.Detail)
	}
	if resp.Progress.Total > 0 {
		fmt.Printf("Progress:      %d%% (%d/%d requests)\n", resp.Progress.Percent, resp.Progress.Completed, resp.Progress.Total)
	}
	fmt.Printf("Conversations: %d\n", resp.Conversations)
	fmt.Printf("Last full:     %s\n", formatTime(resp.LastFullSync))
	fmt.Printf("Next sync:     %s\n", formatTime(resp.NextSync))
	return nil
}

func (c *command) sync(ctx context.Context) error {
	if len(c.args) > 0 && c.args[0] == "cancel" {
		ctx, cancel := withTimeout(ctx)
		defer cancel()
		resp, err := c.client.CancelSync(ctx)
		if err != nil {
			return err
		}
		if c.json {
			outputJSON(resp)
			return nil
		}
		if resp.Cancelled {
			fmt.Println("Cancellation requested.")
		} else {
			fmt.Println("No sync is running.")
		}
		return nil
	}

	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	recent := fs.Bool("recent", false, "only fetch messages newer than the latest stored one")
	background := fs.Bool("background", false, "return once the sync has started")
	if err := fs.Parse(c.args); err != nil {
		return usageError("sync [--recent] [--background] | sync cancel")
	}

	// A full sync can take minutes; only an interrupt stops the wait.
	resp, err := c.client.Sync(ctx, &api.SyncRequest{RecentOnly: *recent, Async: *background})
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	if resp.Result == nil {
		fmt.Println("Sync started.")
		return nil
	}
	r := resp.Result
	fmt.Printf("Sync finished: %d requests, %d fetched, %d new, %d skipped in %s\n",
		r.Completed, r.Fetched, r.Inserted, r.Skipped, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	return nil
}

func (c *command) watch(ctx context.Context) error {
	err := c.client.WatchEvents(ctx, &api.WatchRequest{Namespaces: c.args}, func(evt *api.Event) error {
		if c.json {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s  %-26s %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *command) conversations(ctx context.Context) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	filter := fs.String("filter", "", "match text, numbers and contact names")
	archived := fs.Bool("archived", false, "list archived conversations")
	if err := fs.Parse(c.args); err != nil {
		return usageError("conversations [--filter q] [--archived]")
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.client.ListConversations(ctx, &api.ListConversationsRequest{Filter: *filter, Archived: *archived})
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, item := range resp.Conversations {
		name := phone.Format(item.Conversation.Contact)
		if item.ContactName != "" {
			name = item.ContactName
		}
		preview := item.Last.Text
		if item.Draft != "" {
			preview = "[draft] " + item.Draft
		}
		unread := ""
		if item.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", item.UnreadCount)
		}
		fmt.Printf("%s  %-20s %s%s\n", phone.Format(item.Conversation.DID), name, truncate(preview, 60), unread)
	}
	return nil
}

func (c *command) messages(ctx context.Context) error {
	const usage = "messages <did> <contact> [--limit n]"
	fs := flag.NewFlagSet("messages", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of messages")
	if err := fs.Parse(c.args); err != nil {
		return usageError(usage)
	}
	c.args = fs.Args()
	// Flags may also follow the two numbers.
	if len(c.args) > 2 {
		if err := fs.Parse(c.args[2:]); err != nil {
			return usageError(usage)
		}
		c.args = c.args[:2]
	}
	conv, err := c.conversationArg(usage)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.client.ListMessages(ctx, &api.ListMessagesRequest{Conversation: conv, Limit: *limit})
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	// Oldest at the top, like a chat.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		dir := ">"
		if m.Incoming {
			dir = "<"
		}
		state := ""
		if s := m.State(); s == store.Created || s == store.Failed {
			state = " [" + strings.ToLower(string(s)) + "]"
		}
		fmt.Printf("#%-6d %s %s %s%s\n", m.ID, m.Time().Local().Format(time.DateTime), dir, m.Text, state)
	}
	return nil
}

func (c *command) send(ctx context.Context) error {
	conv, err := c.conversationArg("send <did> <contact> <text>")
	if err != nil {
		return err
	}
	if len(c.args) < 3 {
		return usageError("send <did> <contact> <text>")
	}
	text := strings.Join(c.args[2:], " ")

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	resp, err := c.client.Send(ctx, &api.SendRequest{Conversation: conv, Text: text})
	if err != nil {
		return err
	}
	return c.printSendResult(resp)
}

func (c *command) resend(ctx context.Context) error {
	id, err := c.idArg("resend <id>")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.client.Resend(ctx, id)
	if err != nil {
		return err
	}
	return c.printSendResult(resp)
}

func (c *command) printSendResult(resp *api.SendResponse) error {
	if c.json {
		outputJSON(resp)
		return nil
	}
	failed := 0
	for _, s := range resp.Result.Segments {
		if s.Error != "" {
			failed++
			fmt.Printf("#%d failed: %s\n", s.ID, s.Error)
			continue
		}
		fmt.Printf("#%d sent (VoIP.ms id %d)\n", s.ID, s.ProviderID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d segments failed; retry with smsctl resend <id>", failed, len(resp.Result.Segments))
	}
	return nil
}

func (c *command) idArg(usage string) (int64, error) {
	if len(c.args) < 1 {
		return 0, usageError(usage)
	}
	id, err := strconv.ParseInt(c.args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError(usage)
	}
	return id, nil
}

func (c *command) deleteMessage(ctx context.Context) error {
	id, err := c.idArg("delete <id>")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := c.client.DeleteMessage(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Deleted message #%d.\n", id)
	return nil
}

func (c *command) conversationAction(ctx context.Context, method string) error {
	conv, err := c.conversationArg("<command> <did> <contact>")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := c.client.Conversation(ctx, method, conv); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func (c *command) draft(ctx context.Context) error {
	conv, err := c.conversationArg("draft <did> <contact> [text]")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if len(c.args) > 2 {
		return c.client.SetDraft(ctx, conv, strings.Join(c.args[2:], " "))
	}
	text, err := c.client.Draft(ctx, conv)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(api.DraftResponse{Text: text})
		return nil
	}
	fmt.Println(text)
	return nil
}

func (c *command) dids(ctx context.Context) error {
	fs := flag.NewFlagSet("dids", flag.ContinueOnError)
	remote := fs.Bool("remote", false, "include account numbers not configured yet")
	refresh := fs.Bool("refresh", false, "add the account's SMS-enabled numbers to the config")
	if err := fs.Parse(c.args); err != nil {
		return usageError("dids [--remote] [--refresh]")
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if *refresh {
		resp, err := c.client.RefreshDIDs(ctx)
		if err != nil {
			return err
		}
		if c.json {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Added %d DIDs: %s\n", len(resp.Added), strings.Join(resp.Added, ", "))
		return nil
	}

	resp, err := c.client.ListDIDs(ctx, *remote)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	for _, d := range resp.DIDs {
		flags := fmt.Sprintf("retrieve=%v send=%v show=%v", d.Retrieve, d.Send, d.Show)
		if !d.Configured {
			flags = "not configured"
		}
		fmt.Printf("%-16s %-30s %s\n", phone.Format(d.Number), d.Description, flags)
	}
	return nil
}

func (c *command) verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := c.client.VerifyCredentials(ctx); err != nil {
		return err
	}
	fmt.Println("Credentials OK.")
	return nil
}

func (c *command) tombstones(ctx context.Context) error {
	if len(c.args) < 1 || c.args[0] != "clear" {
		return usageError("tombstones clear")
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := c.client.ClearTombstones(ctx)
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Cleared %d tombstones.\n", resp.Cleared)
	return nil
}

func (c *command) backup(ctx context.Context, export bool) error {
	name := "import"
	if export {
		name = "export"
	}
	if len(c.args) < 1 {
		return usageError(name + " <file>")
	}
	path, err := filepath.Abs(c.args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	var resp *api.BackupResponse
	if export {
		resp, err = c.client.Export(ctx, path)
	} else {
		resp, err = c.client.Import(ctx, path)
	}
	if err != nil {
		return err
	}
	if c.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("%sed %s (%d bytes)\n", name, resp.Path, resp.Bytes)
	return nil
}

func cmdSessions(jsonOut bool) {
	sessions, err := session.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	current := session.Resolve("")
	for _, s := range sessions {
		marker := " "
		if s.Name == current {
			marker = "*"
		}
		running := "stopped"
		if s.Running {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Printf("%s %-20s %s (%s)\n", marker, s.Name, s.Path, running)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
