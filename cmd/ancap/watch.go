package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// maxLogLines bounds the event log shown under the progress bar.
const maxLogLines = 6

// frame is one Server-Sent Events message.
type frame struct {
	Event string
	Data  string
}

// readFrames parses an SSE stream and calls fn for each complete frame.
func readFrames(r io.Reader, fn func(frame)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var cur frame
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" || len(data) > 0 {
				cur.Data = strings.Join(data, "\n")
				fn(cur)
			}
			cur, data = frame{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

type (
	snapshotMsg  struct{ task *task.Task }
	eventMsg     struct{ event comms.Event }
	streamErrMsg struct{ err error }
	streamEndMsg struct{}
)

// toMsg decodes a frame into a model message.
func toMsg(f frame) tea.Msg {
	switch f.Event {
	case "snapshot":
		var t task.Task
		if err := json.Unmarshal([]byte(f.Data), &t); err != nil {
			return streamErrMsg{fmt.Errorf("decode snapshot: %w", err)}
		}
		return snapshotMsg{&t}
	case "error":
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(f.Data), &e)
		return streamErrMsg{fmt.Errorf("stream: %s", e.Error)}
	default:
		var ev comms.Event
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			return streamErrMsg{fmt.Errorf("decode %s event: %w", f.Event, err)}
		}
		return eventMsg{ev}
	}
}

func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return msg
	}
}

type watchModel struct {
	id       string
	ch       <-chan tea.Msg
	spinner  spinner.Model
	bar      progress.Model
	task     *task.Task
	percent  int
	log      []string
	finished comms.EventType
	err      error
	done     bool
}

func newWatchModel(id string, ch <-chan tea.Msg) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return watchModel{
		id:      id,
		ch:      ch,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForMsg(m.ch))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-10, 20), 80)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case snapshotMsg:
		m.task = msg.task
		m.percent = msg.task.Progress()
		if msg.task.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForMsg(m.ch)
	case eventMsg:
		return m.applyEvent(msg.event)
	case streamErrMsg:
		m.err = msg.err
		return m, waitForMsg(m.ch)
	case streamEndMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) applyEvent(ev comms.Event) (tea.Model, tea.Cmd) {
	if ev.Type == comms.EventKeepalive {
		return m, waitForMsg(m.ch)
	}
	if !ev.Type.Terminal() {
		m.percent = max(m.percent, ev.Progress)
	}
	line := string(ev.Type)
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	// Image downloads are frequent; keep a single rolling line for them.
	if n := len(m.log); n > 0 && ev.Type == comms.EventImageDownloaded && strings.HasPrefix(m.log[n-1], string(comms.EventImageDownloaded)) {
		m.log[n-1] = line
	} else {
		m.log = append(m.log, line)
	}
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	if ev.Type.Terminal() {
		m.finished = ev.Type
		if ev.Type == comms.EventTaskCompleted {
			m.percent = 100
		}
	}
	return m, waitForMsg(m.ch)
}

func (m watchModel) View() string {
	title := m.id
	status := "connecting"
	if m.task != nil {
		if m.task.Title != "" {
			title = m.task.Title
		}
		status = string(m.task.Status)
	}
	head := watchTitleStyle.Render(title) + " " + watchMutedStyle.Render(m.id)

	var state string
	switch {
	case m.finished == comms.EventTaskCompleted:
		state = watchOKStyle.Render("completed")
	case m.finished == comms.EventTaskFailed:
		state = watchErrorStyle.Render("finished without success")
	case m.done:
		state = watchMutedStyle.Render(status)
	default:
		state = m.spinner.View() + " " + status
	}

	lines := []string{head, state, m.bar.ViewAs(float64(m.percent) / 100)}
	for _, l := range m.log {
		lines = append(lines, watchMutedStyle.Render(l))
	}
	if m.err != nil {
		lines = append(lines, watchErrorStyle.Render(m.err.Error()))
	}
	if !m.done {
		lines = append(lines, watchMutedStyle.Render("q to stop watching"))
	}
	return watchPanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}

// stream opens the event stream of task id and forwards decoded frames to
// the returned channel until the stream ends.
func (c *Client) stream(id string) (<-chan tea.Msg, func(), error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/tasks/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	sc := *c
	sc.HTTPClient = &http.Client{}
	resp, err := sc.do(req)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan tea.Msg, 16)
	go func() {
		defer close(ch)
		err := readFrames(resp.Body, func(f frame) { ch <- toMsg(f) })
		if err != nil {
			ch <- streamErrMsg{err}
		}
	}()
	return ch, func() { resp.Body.Close() }, nil //nolint:errcheck
}

func (c *Client) cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	plain := fs.Bool("plain", false, "print events as lines instead of the live view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ancap watch [--plain] <id>")
	}
	id := fs.Arg(0)

	ch, closeStream, err := c.stream(id)
	if err != nil {
		return err
	}
	defer closeStream()

	if *plain {
		return printStream(os.Stdout, ch)
	}
	final, err := tea.NewProgram(newWatchModel(id, ch)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

// printStream writes one line per message.
func printStream(w io.Writer, ch <-chan tea.Msg) error {
	var last error
	for msg := range ch {
		switch msg := msg.(type) {
		case snapshotMsg:
			fmt.Fprintf(w, "%s %s %d%%\n", msg.task.ID, msg.task.Status, msg.task.Progress())
		case eventMsg:
			if msg.event.Type == comms.EventKeepalive {
				continue
			}
			fmt.Fprintf(w, "[%3d%%] %s %s\n", msg.event.Progress, msg.event.Type, msg.event.Message)
		case streamErrMsg:
			last = msg.err
			fmt.Fprintf(w, "error: %v\n", msg.err)
		}
	}
	return last
}
