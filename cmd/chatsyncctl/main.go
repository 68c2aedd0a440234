package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/nubecrm/chatsync/internal/session"
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

	c := newControlClient(session.SocketPath(sessionName))

	switch args[0] {
	case "status":
		cmdStatus(c, sessionName, *jsonFlag)
	case "conversations":
		cmdConversations(c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl messages <conversation-id>")
			os.Exit(1)
		}
		cmdMessages(c, args[1], *jsonFlag)
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl join <conversation-id>")
			os.Exit(1)
		}
		cmdJoin(c, args[1], *jsonFlag)
	case "leave":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl leave <conversation-id>")
			os.Exit(1)
		}
		cmdLeave(c, args[1], *jsonFlag)
	case "typing":
		if len(args) < 3 || (args[2] != "on" && args[2] != "off") {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl typing <conversation-id> <on|off>")
			os.Exit(1)
		}
		cmdTyping(c, args[1], args[2] == "on")
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
	fmt.Fprintln(os.Stderr, "  status                 Show connection and credential status")
	fmt.Fprintln(os.Stderr, "  conversations          List cached conversations")
	fmt.Fprintln(os.Stderr, "  messages <id>          List cached messages of a conversation")
	fmt.Fprintln(os.Stderr, "  join <id>              Join a conversation room")
	fmt.Fprintln(os.Stderr, "  leave <id>             Leave a conversation room")
	fmt.Fprintln(os.Stderr, "  typing <id> <on|off>   Send a typing indicator")
}

// controlClient speaks HTTP to the daemon over its unix socket.
type controlClient struct {
	hc *http.Client
}

func newControlClient(socketPath string) *controlClient {
	return &controlClient{
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *controlClient) get(path string, out any) error {
	resp, err := c.hc.Get("http://unix" + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decode(resp, out)
}

func (c *controlClient) post(path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	resp, err := c.hc.Post("http://unix"+path, "application/json", rd)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusOut struct {
	Session             string   `json:"session"`
	State               string   `json:"state"`
	ConnectionError     string   `json:"connectionError"`
	JoinedConversations []string `json:"joinedConversations"`
	Credential          struct {
		Present   bool   `json:"present"`
		Subject   string `json:"subject"`
		ExpiresAt string `json:"expiresAt"`
	} `json:"credential"`
}

func cmdStatus(c *controlClient, sessionName string, jsonOut bool) {
	var st statusOut
	if err := c.get("/v1/status", &st); err != nil {
		fail(sessionName, err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session:    %s\n", st.Session)
	fmt.Printf("State:      %s\n", st.State)
	if st.ConnectionError != "" {
		fmt.Printf("Last error: %s\n", st.ConnectionError)
	}
	if st.Credential.Present {
		if st.Credential.Subject != "" {
			fmt.Printf("Credential: %s (expires %s)\n", st.Credential.Subject, st.Credential.ExpiresAt)
		} else {
			fmt.Println("Credential: present (opaque)")
		}
	} else {
		fmt.Println("Credential: none")
	}
	fmt.Printf("Rooms:      %d joined\n", len(st.JoinedConversations))
	for _, id := range st.JoinedConversations {
		fmt.Printf("  %s\n", id)
	}
}

type conversationOut struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
	Stale              bool   `json:"stale"`
}

func cmdConversations(c *controlClient, jsonOut bool) {
	var convs []conversationOut
	if err := c.get("/v1/conversations", &convs); err != nil {
		fail("", err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("no conversations cached")
		return
	}
	for _, conv := range convs {
		name := conv.Name
		if name == "" {
			name = conv.ID
		}
		marker := " "
		if conv.Stale {
			marker = "*"
		}
		fmt.Printf("%s %-30s %s  %s\n", marker, name, formatTS(conv.LastMessageAt), conv.LastMessagePreview)
	}
}

type messageOut struct {
	ID            string `json:"id"`
	SenderID      string `json:"senderId"`
	Body          string `json:"body"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason"`
	Timestamp     int64  `json:"timestamp"`
	FromMe        bool   `json:"fromMe"`
}

func cmdMessages(c *controlClient, conversationID string, jsonOut bool) {
	var msgs []messageOut
	if err := c.get("/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &msgs); err != nil {
		fail("", err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("no messages cached")
		return
	}
	// Server returns newest first; print oldest first for reading.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := m.SenderID
		if m.FromMe {
			who = "me"
		}
		line := fmt.Sprintf("%s  %-12s [%s] %s", formatTS(m.Timestamp), who, m.Status, m.Body)
		if m.FailureReason != "" {
			line += " (" + m.FailureReason + ")"
		}
		fmt.Println(line)
	}
}

func cmdJoin(c *controlClient, conversationID string, jsonOut bool) {
	var resp map[string]any
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/join", nil, &resp); err != nil {
		fail("", err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("joined %s\n", conversationID)
}

func cmdLeave(c *controlClient, conversationID string, jsonOut bool) {
	var resp map[string]any
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/leave", nil, &resp); err != nil {
		fail("", err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("left %s\n", conversationID)
}

func cmdTyping(c *controlClient, conversationID string, typing bool) {
	body := map[string]bool{"typing": typing}
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/typing", body, nil); err != nil {
		fail("", err)
	}
}

func fail(sessionName string, err error) {
	if sessionName != "" {
		fmt.Fprintf(os.Stderr, "error: session %q: %v\n", sessionName, err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func formatTS(ts int64) string {
	if ts == 0 {
		return "                "
	}
	return time.UnixMilli(ts).Format("2006-01-02 15:04")
}
