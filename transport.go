package chatsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// Transport is one established push connection.
type Transport interface {
	// Read blocks until the next server event.
	Read(ctx context.Context) (Envelope, error)
	// Write sends one client event.
	Write(ctx context.Context, env Envelope) error
	// Close releases the connection. Safe to call more than once.
	Close(reason string) error
	Name() string
}

// Dialer establishes a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
	Name() string
}

// maxFrameSize bounds one inbound event.
const maxFrameSize = 1 << 20

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ============================================================================
// WebSocket (upgraded transport)
// ============================================================================

// WebSocketDialer dials the upgraded transport.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL        string
	Token      string
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Name() string { return "websocket" }

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := withToken(d.URL, d.Token)
	if err != nil {
		return nil, err
	}
	var opts *websocket.DialOptions
	if d.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: d.HTTPClient}
	}
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) Read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return t.closeErr
}

// ============================================================================
// SSE + HTTP POST (degraded transport)
// ============================================================================

// SSEDialer dials the degraded transport: server events arrive on an SSE
// stream at BaseURL/sse and client events are POSTed to BaseURL/events.
type SSEDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (d *SSEDialer) Name() string { return "sse" }

func (d *SSEDialer) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// Dial opens the event stream. The dial context only bounds the handshake;
// the stream itself lives until Close.
func (d *SSEDialer) Dial(ctx context.Context) (Transport, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	u, err := withToken(base+"/sse", d.Token)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	resp, err := d.client().Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseTransport{
		eventsURL: base + "/events",
		token:     d.Token,
		client:    d.client(),
		body:      resp.Body,
		scanner:   scanner,
		cancel:    cancel,
	}, nil
}

type sseTransport struct {
	eventsURL string
	token     string
	client    *http.Client

	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
}

func (t *sseTransport) Name() string { return "sse" }

// Read parses the next SSE event. Data lines are joined until a blank line;
// the data is an Envelope, or a bare payload named by the event field.
func (t *sseTransport) Read(ctx context.Context) (Envelope, error) {
	var (
		eventName string
		data      []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return Envelope{}, err
			}
			return Envelope{}, io.EOF
		}
		line := t.scanner.Text()

		switch {
		case line == "":
			if len(data) == 0 {
				eventName = ""
				continue
			}
			raw := strings.Join(data, "\n")
			name := eventName
			eventName, data = "", nil

			var env Envelope
			if json.Unmarshal([]byte(raw), &env) == nil && env.Type != "" {
				return env, nil
			}
			if name != "" && json.Valid([]byte(raw)) {
				return Envelope{Type: name, Payload: json.RawMessage(raw)}, nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (t *sseTransport) Write(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.eventsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post event: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *sseTransport) Close(string) error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.body.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
