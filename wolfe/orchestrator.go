package wolfe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// TurnKind classifies what triggered a turn.
type TurnKind string

const (
	TurnGeneric   TurnKind = "generic"
	TurnMention   TurnKind = "mention"
	TurnReply     TurnKind = "reply"
	TurnDM        TurnKind = "dm"
	TurnHeartbeat TurnKind = "heartbeat"
)

const heartbeatPrompt = "You have a quiet moment. If anything is worth " +
	"bringing up on your own initiative, say it now. If not, reply with " +
	"nothing."

// chatCaller is the backend surface the orchestrator needs.
type chatCaller interface {
	ChatStream(ctx context.Context, req ChatRequest) (AssembledReply, error)
}

// platformSender is the delivery surface the orchestrator needs.
type platformSender interface {
	Deliver(
		ctx context.Context,
		channelID string,
		text string,
		replyTo *discordgo.MessageReference,
	) error
	typing(channelID string)
	dmChannel(userID string) (string, error)
}

// replyRecorder receives the guard callback after each delivered reply.
type replyRecorder interface {
	RecordBotReply(channelID string, replyText string)
}

// conversationRecorder persists turn traffic. Implementations must be
// non-blocking; nil disables logging.
type conversationRecorder interface {
	RecordInbound(ev InboundEvent)
	RecordReply(channelID string, kind TurnKind, text string)
}

// Orchestrator assembles one outbound request per turn, runs the
// backend call, and dispatches the reply. It never returns an error to
// the platform layer: every failure degrades to a canned message or
// silence.
type Orchestrator struct {
	discordCfg  *DiscordConfig
	backendCfg  *BackendConfig
	backend     chatCaller
	sender      platformSender
	guard       replyRecorder
	attachments *Attachments
	log         conversationRecorder
	logger      *slog.Logger

	now func() time.Time
}

func newOrchestrator(
	discordCfg *DiscordConfig,
	backendCfg *BackendConfig,
	backend chatCaller,
	sender platformSender,
	guard replyRecorder,
	attachments *Attachments,
	log conversationRecorder,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		discordCfg:  discordCfg,
		backendCfg:  backendCfg,
		backend:     backend,
		sender:      sender,
		guard:       guard,
		attachments: attachments,
		log:         log,
		logger:      logger.With(loggerNameKey, "orchestrator"),
		now:         time.Now,
	}
}

// HandleTurn runs one user-triggered turn end to end: build the
// request, call the backend, deliver the reply. Returns the delivered
// text, or "" when nothing was sent. Panics are contained here; the
// gateway handler never sees one.
func (o *Orchestrator) HandleTurn(
	ctx context.Context,
	event InboundEvent,
	kind TurnKind,
	guardContext string,
	overrideContent string,
) (delivered string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "panic", r, "event", event)
			delivered = ""
		}
	}()

	if o.log != nil {
		o.log.RecordInbound(event)
	}

	content := o.buildContent(ctx, event, guardContext, overrideContent)
	if strings.TrimSpace(content) == "" {
		o.logger.Debug("turn produced empty request content", "event", event)
		return ""
	}

	reply := o.callBackend(ctx, event.ChannelID, ChatRequest{
		Messages:    []ChatMessage{{Role: RoleUser, Content: content}},
		SessionID:   o.backendCfg.SessionID,
		MessageType: MessageTypeInbox,
		MaxTokens:   o.backendCfg.MaxTokens,
		Temperature: o.backendCfg.Temperature,
	})

	if reply == "" {
		return ""
	}

	var replyTo *discordgo.MessageReference
	if kind == TurnMention || kind == TurnReply {
		replyTo = &discordgo.MessageReference{
			MessageID: event.ID,
			ChannelID: event.ChannelID,
			GuildID:   event.GuildID,
		}
	}
	if err := o.sender.Deliver(ctx, event.ChannelID, reply, replyTo); err != nil {
		o.logger.Error("reply delivery failed", tint.Err(err), "channel_id", event.ChannelID)
		return ""
	}

	if o.guard != nil {
		o.guard.RecordBotReply(event.ChannelID, reply)
	}
	if o.log != nil {
		o.log.RecordReply(event.ChannelID, kind, reply)
	}
	return reply
}

// HeartbeatTurn runs one system-originated turn and returns the raw
// assembled reply; the heartbeat scheduler owns delivery routing.
func (o *Orchestrator) HeartbeatTurn(ctx context.Context) (AssembledReply, error) {
	content := heartbeatPrompt
	if stamp := o.timestamp(); stamp != "" {
		content = stamp + "\n" + content
	}
	return o.backend.ChatStream(ctx, ChatRequest{
		Messages:    []ChatMessage{{Role: RoleSystem, Content: content}},
		SessionID:   o.backendCfg.SessionID,
		MessageType: MessageTypeSystem,
		MaxTokens:   o.backendCfg.MaxTokens,
		Temperature: o.backendCfg.Temperature,
	})
}

// buildContent resolves the effective message text and decorates it
// with the timestamp annotation, attachment summary, sender prefix,
// and carried-over guard context.
func (o *Orchestrator) buildContent(
	ctx context.Context,
	event InboundEvent,
	guardContext string,
	overrideContent string,
) string {
	text := overrideContent
	if text == "" {
		text = event.Text
	}

	var b strings.Builder
	if guardContext != "" {
		b.WriteString(guardContext)
		b.WriteString("\n")
	}
	if stamp := o.timestamp(); stamp != "" {
		b.WriteString(stamp)
		b.WriteString("\n")
	}
	if o.discordCfg.UseSenderPrefix && event.AuthorName != "" {
		if event.IsDirectMessage {
			fmt.Fprintf(&b, "%s (DM): ", event.AuthorName)
		} else {
			fmt.Fprintf(&b, "%s in <#%s>: ", event.AuthorName, event.ChannelID)
		}
	}
	b.WriteString(text)

	if o.attachments != nil && len(event.Attachments) > 0 {
		if summary := o.attachments.Summarize(ctx, event.Attachments); summary != "" {
			b.WriteString("\n\nAttached files:\n")
			b.WriteString(summary)
		}
	}
	return b.String()
}

// timestamp renders the current time in the configured timezone. Any
// failure yields "": the annotation is best-effort and never blocks a
// send.
func (o *Orchestrator) timestamp() (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
		}
	}()
	loc := o.discordCfg.Location()
	if loc == nil {
		return ""
	}
	return o.now().In(loc).Format("[Mon, 02 Jan 2006 15:04 MST]")
}

// callBackend runs the streaming backend call with a live typing
// indicator, and maps the outcome (including failures) onto the final
// user-visible text. Returns "" for silence.
func (o *Orchestrator) callBackend(
	ctx context.Context,
	channelID string,
	req ChatRequest,
) string {
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go o.typingLoop(typingCtx, channelID)

	reply, err := o.backend.ChatStream(ctx, req)
	stopTyping()
	if err != nil {
		return o.errorMessage(err)
	}
	if reply.Text == "" {
		o.logger.Info(
			"backend returned empty reply",
			"completed", reply.Completed,
			"tool_calls", len(reply.ToolCalls),
		)
		if o.discordCfg.SurfaceErrors && reply.Completed {
			return DefaultEmptyReplyNotice
		}
		return ""
	}
	return reply.Text
}

// typingLoop refreshes the typing indicator until ctx is cancelled.
// Sends are fire-and-forget; the first tick fires immediately.
func (o *Orchestrator) typingLoop(ctx context.Context, channelID string) {
	interval := o.discordCfg.TypingInterval
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	o.sender.typing(channelID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sender.typing(channelID)
		}
	}
}

// errorMessage maps a transport failure onto a canned classified
// message, or "" when error surfacing is disabled.
func (o *Orchestrator) errorMessage(err error) string {
	kind := classifyTransportError(err)
	o.logger.Error("backend call failed", tint.Err(err), "kind", int(kind))
	if !o.discordCfg.SurfaceErrors {
		return ""
	}
	switch kind {
	case transportErrTimeout:
		return DefaultTimeoutMessage
	case transportErrConnection:
		return DefaultConnectionMessage
	default:
		return DefaultGenericErrMessage
	}
}
