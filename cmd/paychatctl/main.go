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
	"time"

	"github.com/mfsantos/paychat/internal/config"
	"github.com/mfsantos/paychat/internal/session"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon API address (overrides config)")
	flag.Parse()

	addr := *addrFlag
	if addr == "" {
		cfg, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
			os.Exit(1)
		}
		addr = cfg.API.ListenAddr
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base: "http://" + addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}

	switch args[0] {
	case "status":
		c.get("/v1/status")
	case "conversations":
		c.get("/v1/conversations")
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: paychatctl messages <conversation-id>")
			os.Exit(1)
		}
		c.get("/v1/conversations/" + url.PathEscape(args[1]) + "/messages")
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: paychatctl send <peer-id> <text>")
			os.Exit(1)
		}
		c.post("/v1/messages", map[string]string{"peer_id": args[1], "text": args[2]})
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: paychatctl read <conversation-id>")
			os.Exit(1)
		}
		c.post("/v1/conversations/"+url.PathEscape(args[1])+"/read", nil)
	case "queue":
		if len(args) >= 2 && args[1] == "stuck" {
			c.get("/v1/queue?stuck=1")
		} else {
			c.get("/v1/queue")
		}
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: paychatctl retry <entry-id>")
			os.Exit(1)
		}
		c.post("/v1/queue/"+url.PathEscape(args[1])+"/retry", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: paychatctl [--addr <host:port>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations          List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conv-id>     List messages in a conversation")
	fmt.Fprintln(os.Stderr, "  send <peer-id> <text>  Send a text message")
	fmt.Fprintln(os.Stderr, "  read <conv-id>         Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  queue [stuck]          Show the retry queue")
	fmt.Fprintln(os.Stderr, "  retry <entry-id>       Force-retry a queue entry")
}

type ctl struct {
	base string
	http *http.Client
}

func (c *ctl) get(path string) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	c.print(resp)
}

func (c *ctl) post(path string, body any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(raw)
	}
	resp, err := c.http.Post(c.base+path, "application/json", reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	c.print(resp)
}

func (c *ctl) print(resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(raw) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(raw))
		}
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
