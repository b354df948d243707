package wolfe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	chatEndpoint   = "/v1/chat"
	healthEndpoint = "/health"

	// MessageType values accepted by the backend
	MessageTypeInbox  = "inbox"
	MessageTypeTask   = "task"
	MessageTypeSystem = "system"

	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in an outbound request's message sequence.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire shape of one backend chat call. Built fresh
// per turn, never retained.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	SessionID   string        `json:"session_id,omitempty"`
	MessageType string        `json:"message_type"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatResponse is the backend's buffered (non-streaming) reply shape.
type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	ToolCalls     []ToolCall  `json:"tool_calls,omitempty"`
	Tokens        *TokenUsage `json:"tokens,omitempty"`
	SendMessage   string      `json:"send_message,omitempty"`
	MessageTarget string      `json:"message_target,omitempty"`
}

// Backend is the HTTP client for the chat/completion backend. It
// handles both buffered and incrementally-streamed replies, and rate
// limits outbound calls.
type Backend struct {
	config         *BackendConfig
	logger         *slog.Logger
	httpClient     *http.Client
	requestLimiter *rate.Limiter
}

func newBackend(config *BackendConfig, httpClient *http.Client) *Backend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	limit := rate.Limit(config.MaxRequestsPerSecond)
	if config.MaxRequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Backend{
		config:         config,
		httpClient:     httpClient,
		requestLimiter: rate.NewLimiter(limit, 1),
		logger:         newTintLogger(config.LogLevel, "backend"),
	}
}

func (b *Backend) newRequest(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		method,
		strings.TrimRight(b.config.BaseURL, "/")+path,
		body,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}
	return req, nil
}

// Chat performs one buffered (non-streaming) backend call.
func (b *Backend) Chat(ctx context.Context, chatReq ChatRequest) (AssembledReply, error) {
	chatReq.Stream = false
	if err := b.requestLimiter.Wait(ctx); err != nil {
		return AssembledReply{}, err
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return AssembledReply{}, fmt.Errorf("error encoding chat request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, chatEndpoint, bytes.NewReader(payload))
	if err != nil {
		return AssembledReply{}, err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return AssembledReply{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return AssembledReply{}, fmt.Errorf(
			"backend returned %d: %s", resp.StatusCode, string(body),
		)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return AssembledReply{}, fmt.Errorf("error decoding chat response: %w", err)
	}

	return AssembledReply{
		Text:        cr.Message.Content,
		ToolCalls:   cr.ToolCalls,
		Usage:       cr.Tokens,
		Completed:   true,
		Target:      cr.MessageTarget,
		SendMessage: cr.SendMessage,
	}, nil
}

// ChatStream performs one streaming backend call, consuming the event
// stream to completion and returning the assembled reply. The caller
// cannot cancel mid-stream except through ctx; a connection dropped by
// the backend yields a partial reply (Completed == false), not an
// error.
func (b *Backend) ChatStream(ctx context.Context, chatReq ChatRequest) (AssembledReply, error) {
	chatReq.Stream = true
	if err := b.requestLimiter.Wait(ctx); err != nil {
		return AssembledReply{}, err
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return AssembledReply{}, fmt.Errorf("error encoding chat request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, chatEndpoint, bytes.NewReader(payload))
	if err != nil {
		return AssembledReply{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return AssembledReply{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return AssembledReply{}, fmt.Errorf(
			"backend returned %d: %s", resp.StatusCode, string(body),
		)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		b.decodeStream(ctx, resp.Body, events)
	}()

	reply := Assemble(ctx, events)
	if !reply.Completed {
		b.logger.Warn(
			"stream terminated before done event",
			"accumulated_len", len(reply.Text),
		)
	}
	return reply, nil
}

// decodeStream reads `event:`/`data:` line pairs from the response
// body and emits normalized StreamEvents. Decode errors on individual
// events are logged and skipped; a read error ends the stream.
func (b *Backend) decodeStream(
	ctx context.Context,
	body io.Reader,
	events chan<- StreamEvent,
) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder

	flush := func() {
		if eventName == "" && data.Len() == 0 {
			return
		}
		ev, err := normalizeStreamEvent(eventName, data.String())
		eventName = ""
		data.Reset()
		if err != nil {
			b.logger.Warn("skipping malformed stream event", tint.Err(err))
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		b.logger.Warn("stream read ended", tint.Err(err))
	}
}

// normalizeStreamEvent converts one raw wire event into the closed
// StreamEvent union. The backend's `data` field is loosely shaped (a
// bare string, or an object with any of several field names); all of
// that tolerance lives here and nowhere else.
func normalizeStreamEvent(name string, data string) (StreamEvent, error) {
	switch StreamEventKind(name) {
	case StreamEventThinking:
		return StreamEvent{Kind: StreamEventThinking}, nil

	case StreamEventContentReset:
		return StreamEvent{Kind: StreamEventContentReset}, nil

	case StreamEventContent:
		return StreamEvent{
			Kind:    StreamEventContent,
			Content: extractContent(data),
		}, nil

	case StreamEventToolCall:
		var tc ToolCall
		if err := json.Unmarshal([]byte(data), &tc); err != nil {
			return StreamEvent{}, fmt.Errorf("tool_call payload: %w", err)
		}
		return StreamEvent{Kind: StreamEventToolCall, ToolCall: &tc}, nil

	case StreamEventDone:
		done := &DonePayload{}
		if strings.TrimSpace(data) != "" {
			var raw struct {
				Response      *string     `json:"response"`
				Usage         *TokenUsage `json:"usage"`
				Tokens        *TokenUsage `json:"tokens"`
				SendMessage   string      `json:"send_message"`
				MessageTarget string      `json:"message_target"`
			}
			if err := json.Unmarshal([]byte(data), &raw); err != nil {
				return StreamEvent{}, fmt.Errorf("done payload: %w", err)
			}
			done.Response = raw.Response
			done.Usage = raw.Usage
			if done.Usage == nil {
				done.Usage = raw.Tokens
			}
			done.SendMessage = raw.SendMessage
			done.MessageTarget = raw.MessageTarget
		}
		return StreamEvent{Kind: StreamEventDone, Done: done}, nil

	default:
		return StreamEvent{}, fmt.Errorf("unknown event type %q", name)
	}
}

// extractContent pulls the text delta out of a content event's data,
// which may be a bare JSON string, a raw string, or an object keyed by
// "content", "text", or "delta".
func extractContent(data string) string {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return s
		}
	}
	if trimmed[0] == '{' {
		var obj struct {
			Content *string `json:"content"`
			Text    *string `json:"text"`
			Delta   *string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			switch {
			case obj.Content != nil:
				return *obj.Content
			case obj.Text != nil:
				return *obj.Text
			case obj.Delta != nil:
				return *obj.Delta
			}
		}
		return ""
	}
	return data
}

// Ping probes the backend's health endpoint, returning round-trip
// latency. Read-only and side-effect-free.
func (b *Backend) Ping(ctx context.Context) (time.Duration, error) {
	req, err := b.newRequest(ctx, http.MethodGet, healthEndpoint, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// classifyTransportError buckets a backend call failure into one of
// three user-safe categories.
type transportErrorKind int

const (
	transportErrGeneric transportErrorKind = iota
	transportErrTimeout
	transportErrConnection
)

func classifyTransportError(err error) transportErrorKind {
	if err == nil {
		return transportErrGeneric
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return transportErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return transportErrTimeout
	case errors.Is(err, context.Canceled):
		return transportErrGeneric
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transportErrConnection
	}
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") {
		return transportErrConnection
	}
	return transportErrGeneric
}
