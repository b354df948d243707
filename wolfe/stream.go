package wolfe

import (
	"context"
	"encoding/json"
)

// StreamEventKind discriminates the typed events emitted by the
// backend's streaming chat endpoint.
type StreamEventKind string

const (
	StreamEventThinking     StreamEventKind = "thinking"
	StreamEventContent      StreamEventKind = "content"
	StreamEventToolCall     StreamEventKind = "tool_call"
	StreamEventContentReset StreamEventKind = "content_reset"
	StreamEventDone         StreamEventKind = "done"
)

// StreamEvent is one normalized event from the backend stream. Raw
// wire payloads are decoded into this shape exactly once, at the
// transport boundary; nothing downstream re-inspects raw JSON.
type StreamEvent struct {
	Kind StreamEventKind

	// Content delta, for Kind == StreamEventContent
	Content string

	// Tool call record, for Kind == StreamEventToolCall
	ToolCall *ToolCall

	// Done holds the terminal payload, for Kind == StreamEventDone
	Done *DonePayload
}

// ToolCall records a tool invocation surfaced mid-stream.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// DonePayload is the terminal event's payload. Response and Usage are
// authoritative when present: they supersede whatever was accumulated
// from content deltas.
type DonePayload struct {
	Response *string     `json:"response,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`

	// SendMessage/MessageTarget let the backend route its own reply
	// (used by heartbeat turns to pick DM vs channel delivery).
	SendMessage   string `json:"send_message,omitempty"`
	MessageTarget string `json:"message_target,omitempty"`
}

// TokenUsage reports backend token consumption for one turn.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// AssembledReply is the final result of consuming one backend stream.
type AssembledReply struct {
	// Text is the user-visible reply. Empty is a valid outcome (a turn
	// that only invoked tools); check Completed to distinguish it from
	// a truncated stream.
	Text string

	// ToolCalls lists tool invocations in arrival order.
	ToolCalls []ToolCall

	// Usage is nil unless the backend reported token counts.
	Usage *TokenUsage

	// Completed is true when a done event was observed. False means
	// the stream terminated early and Text holds whatever accumulated.
	Completed bool

	// Reset is true if a content_reset discarded earlier deltas.
	Reset bool

	// Target carries the done payload's requested delivery routing,
	// when present ("dm", "channel", or empty).
	Target string

	// SendMessage is outbound text the backend routed itself via the
	// done payload. When present it takes precedence over Text for
	// autonomous (heartbeat) deliveries.
	SendMessage string
}

// Assemble consumes a stream of events to completion and returns the
// assembled reply. Content deltas are concatenated in arrival order; a
// content_reset discards the accumulator (the backend reclassified the
// streamed text as tool-call payload, not user-visible output); the
// done payload's response and usage override accumulated values when
// present.
//
// The channel is drained until it closes or ctx is cancelled. Neither
// case is an error: early termination yields a partial reply with
// Completed == false.
func Assemble(ctx context.Context, events <-chan StreamEvent) AssembledReply {
	var reply AssembledReply
	var buf []byte

	for {
		select {
		case <-ctx.Done():
			reply.Text = string(buf)
			return reply
		case ev, ok := <-events:
			if !ok {
				reply.Text = string(buf)
				return reply
			}
			switch ev.Kind {
			case StreamEventContent:
				buf = append(buf, ev.Content...)
			case StreamEventContentReset:
				buf = buf[:0]
				reply.Reset = true
			case StreamEventToolCall:
				if ev.ToolCall != nil {
					reply.ToolCalls = append(reply.ToolCalls, *ev.ToolCall)
				}
			case StreamEventDone:
				reply.Completed = true
				reply.Text = string(buf)
				if ev.Done != nil {
					if ev.Done.Response != nil {
						reply.Text = *ev.Done.Response
					}
					if ev.Done.Usage != nil {
						reply.Usage = ev.Done.Usage
					}
					reply.Target = ev.Done.MessageTarget
					reply.SendMessage = ev.Done.SendMessage
				}
				// Drain any stragglers so the producer goroutine can
				// exit, but the reply is already final.
				go func() {
					for range events { //nolint:revive
					}
				}()
				return reply
			case StreamEventThinking:
				// Not user-visible; ignored.
			}
		}
	}
}
