// Command ancap is the CLI client for ancapd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/internal/version"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

const defaultServer = "http://localhost:8000"

func main() {
	var (
		serverURL = flag.String("server", envOr("ANCAP_SERVER", defaultServer), "ancapd server URL")
		token     = flag.String("token", os.Getenv("ANCAP_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "watch":
		err = cli.cmdWatch(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `ancap: manga-to-video ingest CLI

Usage:
  ancap [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:8000, or $ANCAP_SERVER)
  --token   <token>  JWT auth token (or $ANCAP_TOKEN)

Commands:
  version                          print version
  status                           show server status
  login <user> <password>          print a token for $ANCAP_TOKEN
  tasks [--status s] [--active]    list tasks
  task create <url>                submit a series URL
  task get <id>                    show a task
  task cancel <id>                 request cancellation
  task artifacts <id>              list produced files
  task fetch <id> <name> [dir]     download one artifact
  watch <id>                       follow a task's progress live
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Println("ancap", version.String())
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// do sends req with auth and fails on error statuses.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close() //nolint:errcheck
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST of body as JSON and decodes the response into v (may be nil).
func (c *Client) post(path string, body any, v any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status / login ---

func (c *Client) cmdStatus(_ []string) error {
	var result struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Uptime  int64  `json:"uptime_seconds"`
	}
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", result.Status)
	fmt.Printf("version: %s\n", result.Version)
	fmt.Printf("uptime:  %s\n", time.Duration(result.Uptime)*time.Second)
	return nil
}

func (c *Client) cmdLogin(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: ancap login <user> <password>")
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.post("/api/auth/login", map[string]string{"username": args[0], "password": args[1]}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token expires %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Println(resp.Token)
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	status := fs.String("status", "", "only tasks with this status")
	active := fs.Bool("active", false, "only unfinished tasks")
	limit := fs.Int("limit", 50, "maximum tasks to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *active {
		q.Set("active", "true")
	}
	q.Set("limit", fmt.Sprint(*limit))

	var tasks []task.Task
	if err := c.get("/api/tasks?"+q.Encode(), &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-18s %5s\n", "ID", "TITLE", "STATUS", "PROG")
	fmt.Println(strings.Repeat("-", 92))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-18s %4d%%\n",
			t.ID,
			truncate(t.Title, 29),
			t.Status,
			t.Progress(),
		)
	}
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ancap task <create|get|cancel|artifacts|fetch> <arg>")
	}
	sub, arg := args[0], args[1]
	switch sub {
	case "create":
		var t task.Task
		if err := c.post("/api/tasks", map[string]string{"source_url": arg}, &t); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", t.ID)
	case "get":
		var t task.Task
		if err := c.get("/api/tasks/"+url.PathEscape(arg), &t); err != nil {
			return err
		}
		printTask(&t)
	case "cancel":
		var t task.Task
		if err := c.post("/api/tasks/"+url.PathEscape(arg)+"/cancel", nil, &t); err != nil {
			return err
		}
		fmt.Printf("task %s: %s\n", t.ID, t.Status)
	case "artifacts":
		var names []string
		if err := c.get("/api/tasks/"+url.PathEscape(arg)+"/artifacts", &names); err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case "fetch":
		if len(args) < 3 {
			return fmt.Errorf("usage: ancap task fetch <id> <name> [dir]")
		}
		dir := "."
		if len(args) > 3 {
			dir = args[3]
		}
		return c.fetch(arg, args[2], dir)
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

func printTask(t *task.Task) {
	fmt.Printf("id:        %s\n", t.ID)
	fmt.Printf("source:    %s\n", t.SourceURL)
	fmt.Printf("title:     %s\n", t.Title)
	fmt.Printf("status:    %s (%s) %d%%\n", t.Status, t.Phase, t.Progress())
	fmt.Printf("chapters:  %d/%d\n", t.ChaptersProcessed, t.ChaptersDiscovered)
	fmt.Printf("images:    %d/%d\n", t.ImagesDownloaded, t.ImagesExpected)
	fmt.Printf("batches:   %d/%d\n", t.BatchesProcessed, t.BatchesExpected)
	if t.Error != "" {
		fmt.Printf("error:     %s\n", t.Error)
	}
	for _, a := range t.Artifacts {
		fmt.Printf("artifact:  %s\n", a)
	}
}

// fetch downloads one artifact into dir, keeping its base name.
func (c *Client) fetch(id, name, dir string) error {
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(name, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/tasks/"+url.PathEscape(id)+"/artifacts/"+strings.Join(escaped, "/"), nil)
	if err != nil {
		return err
	}
	dl := *c
	dl.HTTPClient = &http.Client{}
	resp, err := dl.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	dest := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	fmt.Printf("saved %s (%d bytes)\n", dest, n)
	return nil
}

// --- helpers ---

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
