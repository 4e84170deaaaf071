package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rhymesg/tutorconnect/internal/ctl"
	"github.com/rhymesg/tutorconnect/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
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

	c := ctl.New(session.SocketPath(sessionName))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "connect":
		cmdConnection(ctx, c, c.Connect, *jsonFlag)
	case "disconnect":
		cmdConnection(ctx, c, c.Disconnect, *jsonFlag)
	case "reconnect":
		cmdConnection(ctx, c, c.Reconnect, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "join":
		requireArgs(args, 2, "tutorctl join <chat-id>")
		cmdJoin(ctx, c, args[1], *jsonFlag)
	case "leave":
		requireArgs(args, 2, "tutorctl leave <chat-id>")
		fatalOn(c.Leave(ctx, args[1]))
	case "messages":
		requireArgs(args, 2, "tutorctl messages <chat-id> [limit]")
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "send":
		requireArgs(args, 3, "tutorctl send <chat-id> <text>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "))
	case "read":
		requireArgs(args, 2, "tutorctl read <chat-id>")
		fatalOn(c.MarkRead(ctx, args[1]))
	case "participants":
		requireArgs(args, 2, "tutorctl participants <chat-id>")
		cmdParticipants(ctx, c, args[1], *jsonFlag)
	case "outbox":
		cmdOutbox(ctx, c, args[1:], *jsonFlag)
	case "search":
		requireArgs(args, 2, "tutorctl search <query>")
		cmdSearch(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	case "watch":
		cmdWatch(c, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tutorctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show connection status")
	fmt.Fprintln(os.Stderr, "  connect                    Establish the realtime link")
	fmt.Fprintln(os.Stderr, "  disconnect                 Close the realtime link")
	fmt.Fprintln(os.Stderr, "  reconnect                  Force a fresh connection")
	fmt.Fprintln(os.Stderr, "  chats                      List chats")
	fmt.Fprintln(os.Stderr, "  join <chat-id>             Join a chat room")
	fmt.Fprintln(os.Stderr, "  leave <chat-id>            Leave a chat room")
	fmt.Fprintln(os.Stderr, "  messages <chat-id> [n]     Show recent messages")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>      Queue a message")
	fmt.Fprintln(os.Stderr, "  read <chat-id>             Mark a chat read")
	fmt.Fprintln(os.Stderr, "  participants <chat-id>     Show who is in a joined chat")
	fmt.Fprintln(os.Stderr, "  outbox [retry <msg-id>]    Show or retry failed messages")
	fmt.Fprintln(os.Stderr, "  search <query>             Full-text search messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]             Stream daemon events")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	fatalOn(err)
	fmt.Println(string(data))
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	info, err := c.Status(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(info)
		return
	}
	printStatus(info)
}

func cmdConnection(ctx context.Context, c *ctl.Client, op func(context.Context) (*ctl.StatusInfo, error), jsonOut bool) {
	info, err := op(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(info)
		return
	}
	printStatus(info)
}

func printStatus(info *ctl.StatusInfo) {
	fmt.Printf("Session:  %s\n", info.Session)
	fmt.Printf("Status:   %s\n", info.Status)
	fmt.Printf("Network:  %s\n", info.Network)
	if info.IsConnected {
		fmt.Printf("Latency:  %dms\n", info.LatencyMs)
	}
	if info.RetryCount > 0 {
		fmt.Printf("Retries:  %d\n", info.RetryCount)
	}
	if info.Error != "" {
		fmt.Printf("Error:    %s\n", info.Error)
	}
	if info.LastReconcileAt > 0 {
		fmt.Printf("Synced:   %s\n", time.UnixMilli(info.LastReconcileAt).Format(time.RFC3339))
	}
	fmt.Printf("Joined:   %d chats\n", info.JoinedChats)
}

func cmdChats(ctx context.Context, c *ctl.Client, jsonOut bool) {
	chats, err := c.Chats(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(chats)
		return
	}
	for _, chat := range chats {
		unread := ""
		if chat.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", chat.UnreadCount)
		}
		fmt.Printf("%s  %s%s\n", chat.ID, chat.Title, unread)
		if chat.LastMessagePreview != "" {
			fmt.Printf("    %s\n", chat.LastMessagePreview)
		}
	}
}

func cmdJoin(ctx context.Context, c *ctl.Client, chatID string, jsonOut bool) {
	stats, err := c.Join(ctx, chatID)
	fatalOn(err)
	if jsonOut {
		outputJSON(stats)
		return
	}
	fmt.Printf("joined %s (%d online, %d unread)\n", stats.ChatID, stats.Presence.Online, stats.Unread)
}

func cmdMessages(ctx context.Context, c *ctl.Client, args []string, jsonOut bool) {
	limit := 20
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			limit = n
		}
	}
	messages, err := c.Messages(ctx, args[0], 0, limit)
	fatalOn(err)
	if jsonOut {
		outputJSON(messages)
		return
	}
	// Newest come first off the wire; print oldest first.
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		who := m.SenderName
		if m.FromMe {
			who = "me"
		}
		ts := time.UnixMilli(m.Timestamp).Format("15:04")
		fmt.Printf("[%s] %s: %s\n", ts, who, m.Content)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, chatID, text string) {
	clientMsgID, err := c.Send(ctx, chatID, text, "")
	fatalOn(err)
	fmt.Printf("queued %s\n", clientMsgID)
}

func cmdParticipants(ctx context.Context, c *ctl.Client, chatID string, jsonOut bool) {
	participants, typingLine, err := c.Participants(ctx, chatID)
	fatalOn(err)
	if jsonOut {
		outputJSON(participants)
		return
	}
	for _, p := range participants {
		flags := p.Status
		if p.IsTyping {
			flags += ", typing"
		}
		fmt.Printf("%s (%s)\n", p.UserName, flags)
	}
	if typingLine != "" {
		fmt.Println(typingLine)
	}
}

func cmdOutbox(ctx context.Context, c *ctl.Client, args []string, jsonOut bool) {
	if len(args) >= 2 && args[0] == "retry" {
		fatalOn(c.RetryOutbox(ctx, args[1]))
		fmt.Println("requeued")
		return
	}

	failed, err := c.FailedOutbox(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(failed)
		return
	}
	if len(failed) == 0 {
		fmt.Println("no failed messages")
		return
	}
	for _, entry := range failed {
		fmt.Printf("%s  chat=%s retries=%d  %s\n", entry.ClientMsgID, entry.ChatID, entry.RetryCount, entry.ErrorMessage)
	}
}

func cmdSearch(ctx context.Context, c *ctl.Client, query string, jsonOut bool) {
	results, err := c.Search(ctx, query, "", 50)
	fatalOn(err)
	if jsonOut {
		outputJSON(results)
		return
	}
	for _, r := range results {
		fmt.Printf("%s  %s: %s\n", r.Message.ChatID, r.Message.SenderName, r.Snippet)
	}
}

func cmdWatch(c *ctl.Client, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := c.Follow(ctx, prefix, func(ev ctl.Event) {
		fmt.Printf("%s %s\n", ev.Kind, string(ev.Data))
	})
	fatalOn(err)
}
