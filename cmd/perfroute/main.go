// Command perfroute drives a running taskrouter through create, claim and
// complete cycles and prints client and server side latencies.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	baseURL      string
	userID       string
	groups       string
	workbasketID string
	tasks        int
	timeout      time.Duration
	watchEvents  bool
	verbose      bool
}

type task struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type operationStats struct {
	Operation string  `json:"operation"`
	Samples   int     `json:"samples"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
}

type serverSnapshot struct {
	Operations []operationStats `json:"operations"`
}

type client struct {
	http *http.Client
	opts options
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfroute: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfroute: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	var timeoutMS int
	fs := flag.NewFlagSet("perfroute", flag.ContinueOnError)
	fs.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "taskrouter base URL")
	fs.StringVar(&opts.userID, "user-id", "perf-router", "X-User-Id sent with every request")
	fs.StringVar(&opts.groups, "groups", "", "comma separated X-User-Groups")
	fs.StringVar(&opts.workbasketID, "workbasket", "", "workbasket the synthetic tasks are created in")
	fs.IntVar(&opts.tasks, "tasks", 50, "number of create/claim/complete cycles")
	fs.IntVar(&timeoutMS, "timeout-ms", 120000, "overall run timeout in milliseconds")
	fs.BoolVar(&opts.watchEvents, "watch-events", true, "count lifecycle events on the workbasket event stream")
	fs.BoolVar(&opts.verbose, "verbose", false, "print every cycle")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	opts.workbasketID = strings.TrimSpace(opts.workbasketID)
	if opts.workbasketID == "" {
		return options{}, fmt.Errorf("workbasket is required")
	}
	if strings.TrimSpace(opts.userID) == "" {
		return options{}, fmt.Errorf("user-id is required")
	}
	if opts.tasks <= 0 {
		return options{}, fmt.Errorf("tasks must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	opts.timeout = time.Duration(timeoutMS) * time.Millisecond
	return opts, nil
}

func run(opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	c := &client{http: &http.Client{Timeout: 15 * time.Second}, opts: opts}

	var events chan int
	if opts.watchEvents {
		conn, err := c.dialEvents(ctx)
		if err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
		defer conn.Close()
		events = make(chan int, 1)
		go countEvents(conn, 3*opts.tasks, events)
	}

	latencies := map[string][]time.Duration{}
	for i := 0; i < opts.tasks; i++ {
		var created task
		body := map[string]any{"workbasket_id": opts.workbasketID, "name": fmt.Sprintf("perfroute-%d", i)}
		d, err := c.do(ctx, http.MethodPost, "/v1/tasks", body, &created)
		if err != nil {
			return fmt.Errorf("cycle %d create: %w", i, err)
		}
		latencies["create"] = append(latencies["create"], d)

		for _, step := range []string{"claim", "complete"} {
			var got task
			d, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(created.ID)+"/"+step, nil, &got)
			if err != nil {
				return fmt.Errorf("cycle %d %s: %w", i, step, err)
			}
			latencies[step] = append(latencies[step], d)
		}
		if opts.verbose {
			fmt.Fprintf(out, "perfroute: cycle=%d task=%s\n", i, created.ID)
		}
	}

	fmt.Fprintf(out, "perfroute: %d cycles against %s\n", opts.tasks, opts.baseURL)
	for _, op := range []string{"create", "claim", "complete"} {
		p50, p95 := percentiles(latencies[op])
		fmt.Fprintf(out, "client %-9s p50=%6.2fms p95=%6.2fms\n", op, ms(p50), ms(p95))
	}

	var snap serverSnapshot
	if _, err := c.do(ctx, http.MethodGet, "/v1/perf/latency", nil, &snap); err != nil {
		return fmt.Errorf("server latency snapshot: %w", err)
	}
	for _, op := range snap.Operations {
		fmt.Fprintf(out, "server %-22s samples=%-5d p50=%6.2fms p95=%6.2fms\n", op.Operation, op.Samples, op.P50MS, op.P95MS)
	}

	if events != nil {
		select {
		case n := <-events:
			fmt.Fprintf(out, "events received=%d expected=%d\n", n, 3*opts.tasks)
		case <-time.After(2 * time.Second):
			fmt.Fprintf(out, "events: stream did not deliver all %d events\n", 3*opts.tasks)
		}
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (time.Duration, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.baseURL+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.identify(req.Header)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	elapsed := time.Since(start)

	if res.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		return elapsed, fmt.Errorf("%s %s: status %d %s: %s", method, path, res.StatusCode, apiErr.Code, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return elapsed, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return elapsed, nil
}

func (c *client) identify(h http.Header) {
	h.Set("X-User-Id", c.opts.userID)
	if groups := strings.TrimSpace(c.opts.groups); groups != "" {
		h.Set("X-User-Groups", groups)
	}
}

func (c *client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := eventsURL(c.opts.baseURL, c.opts.workbasketID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	c.identify(header)
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	return conn, err
}

func eventsURL(baseURL, workbasketID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/workbaskets/" + url.PathEscape(workbasketID) + "/events/ws"
	return u.String(), nil
}

// countEvents reads until want events arrived or the stream ends, then
// reports the count once.
func countEvents(conn *websocket.Conn, want int, done chan<- int) {
	n := 0
	defer func() { done <- n }()
	for n < want {
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}
		n++
	}
}

func percentiles(samples []time.Duration) (time.Duration, time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
