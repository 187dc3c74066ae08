package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/internal/config"
	"github.com/h1v3-io/deskline/internal/logbuf"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: deskctl tickets <list|show|take|release|reply>")
			os.Exit(1)
		}
		args := os.Args[3:]
		switch os.Args[2] {
		case "list":
			cmdTicketsList(args)
		case "show":
			cmdTicketsShow(requireID("show", args))
		case "take":
			cmdTicketsTake(args)
		case "release":
			cmdTicketsRelease(requireID("release", args))
		case "reply":
			cmdTicketsReply(args)
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "backup":
		cmdBackup(strings.Join(os.Args[2:], " "))
	case "backups":
		cmdBackups()
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: deskctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiDo("GET", "/api/health", nil)
	exitOn(err)
	fmt.Println(string(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	open := fs.Bool("open", false, "Only unreplied tickets")
	fs.Parse(args)

	path := "/api/tickets"
	if *open {
		path += "?open=true"
	}
	body, err := apiDo("GET", path, nil)
	exitOn(err)

	var tickets []protocol.Ticket
	exitOn(json.Unmarshal(body, &tickets))
	if len(tickets) == 0 {
		fmt.Println("no tickets")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPENED\tSTATE\tCONTENT")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.ID, humanize.Time(t.CreatedAt), ticketState(t), truncate(t.Content, 50))
	}
	tw.Flush()
}

func ticketState(t protocol.Ticket) string {
	switch {
	case t.Replied():
		return "replied by " + t.RepliedBy
	case t.Lock != nil:
		return "taken by " + t.Lock.HolderName
	default:
		return "open"
	}
}

func cmdTicketsShow(id string) {
	body, err := apiDo("GET", "/api/tickets/"+id, nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func agentFlags(fs *flag.FlagSet) (id, name *string) {
	id = fs.String("agent", envOr("DESKLINE_AGENT_ID", os.Getenv("USER")), "Agent ID")
	name = fs.String("name", os.Getenv("DESKLINE_AGENT_NAME"), "Agent display name")
	return id, name
}

func cmdTicketsTake(args []string) {
	fs := flag.NewFlagSet("tickets take", flag.ExitOnError)
	agentID, agentName := agentFlags(fs)
	fs.Parse(args)
	id := requireID("take", fs.Args())

	body, err := apiDo("POST", "/api/tickets/"+id+"/take", map[string]string{
		"agent_id":   *agentID,
		"agent_name": *agentName,
	})
	exitOn(err)

	var g protocol.Grant
	exitOn(json.Unmarshal(body, &g))
	switch {
	case !g.Enforced:
		fmt.Printf("ticket %s is already replied; no lock taken\n", id)
	case g.Renewed:
		fmt.Printf("lock on ticket %s renewed\n", id)
	default:
		fmt.Printf("ticket %s taken by %s\n", id, g.HolderID)
	}
}

func cmdTicketsRelease(id string) {
	_, err := apiDo("POST", "/api/tickets/"+id+"/release", nil)
	exitOn(err)
	fmt.Printf("ticket %s released\n", id)
}

func cmdTicketsReply(args []string) {
	fs := flag.NewFlagSet("tickets reply", flag.ExitOnError)
	agentID, agentName := agentFlags(fs)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: deskctl tickets reply [-agent id] <id> <text...>")
		os.Exit(1)
	}
	id := rest[0]

	_, err := apiDo("POST", "/api/tickets/"+id+"/reply", map[string]string{
		"agent_id":   *agentID,
		"agent_name": *agentName,
		"text":       strings.Join(rest[1:], " "),
	})
	exitOn(err)
	fmt.Printf("ticket %s replied\n", id)
}

func cmdBackup(reason string) {
	body, err := apiDo("POST", "/api/backups", map[string]string{"reason": reason})
	exitOn(err)

	var art backup.Artifact
	exitOn(json.Unmarshal(body, &art))
	fmt.Printf("%s (%s)\n", art.Path, humanize.IBytes(uint64(art.Size)))
}

func cmdBackups() {
	body, err := apiDo("GET", "/api/backups", nil)
	exitOn(err)

	var arts []backup.Artifact
	exitOn(json.Unmarshal(body, &arts))
	if len(arts) == 0 {
		fmt.Println("no backups")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tREASON\tSIZE")
	for _, a := range arts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", filepath.Base(a.Path), a.CreatedAt.Format(time.DateTime), a.Reason, humanize.IBytes(uint64(a.Size)))
	}
	tw.Flush()
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (debug|info|warn|error)")
	component := fs.String("component", "", "Only entries from this component")
	ticketID := fs.String("ticket", "", "Only entries about this ticket")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *level != "" {
		q.Set("level", *level)
	}
	if *component != "" {
		q.Set("component", *component)
	}
	if *ticketID != "" {
		q.Set("ticket_id", *ticketID)
	}

	body, err := apiDo("GET", "/api/logs?"+q.Encode(), nil)
	exitOn(err)

	var entries []logbuf.Entry
	exitOn(json.Unmarshal(body, &entries))
	for _, e := range entries {
		fmt.Printf("%s %-5s %s", e.Time.Format(time.TimeOnly), e.Level, e.Message)
		for k, v := range e.Attrs {
			fmt.Printf(" %s=%v", k, v)
		}
		fmt.Println()
	}
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiDo(method, path string, payload any) ([]byte, error) {
	base := envOr("DESKLINE_API_URL", "http://localhost:8080")

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("DESKLINE_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func requireID(sub string, args []string) string {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: deskctl tickets %s <id>\n", sub)
		os.Exit(1)
	}
	return args[0]
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("deskctl - deskline admin CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                        Check daemon health")
	fmt.Println("  tickets list [-open]          List tickets")
	fmt.Println("  tickets show <id>             Show ticket details")
	fmt.Println("  tickets take <id>             Take a ticket (-agent, -name)")
	fmt.Println("  tickets release <id>          Release a ticket")
	fmt.Println("  tickets reply <id> <text>     Reply to a ticket (-agent, -name)")
	fmt.Println("  backup [reason]               Back up the dataset now")
	fmt.Println("  backups                       List backups")
	fmt.Println("  logs                          Recent logs (-level, -component, -ticket, -limit)")
	fmt.Println("  config validate <path>        Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DESKLINE_API_URL     Daemon URL (default: http://localhost:8080)")
	fmt.Println("  DESKLINE_API_KEY     API key for authentication")
	fmt.Println("  DESKLINE_AGENT_ID    Default agent ID (default: $USER)")
	fmt.Println("  DESKLINE_AGENT_NAME  Default agent display name")
}
