package wolfe

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// farewellPhrases end a bot-to-bot exchange early: when an outgoing
// reply contains one of these, the next bot-authored message in that
// channel is ignored even if the consecutive-reply cap hasn't been hit.
var farewellPhrases = []string{
	"goodbye",
	"good night",
	"talk to you later",
	"signing off",
	"ttyl",
	"bye for now",
}

// GuardDecision is the outcome of the loop guard for one inbound event.
type GuardDecision struct {
	// ShouldRespond indicates whether the orchestrator may answer.
	ShouldRespond bool

	// Generic marks an unaddressed human channel message. The guard has
	// no objection to answering it, but whether to do so is the caller's
	// generic-response policy, not the guard's.
	Generic bool

	// Reason is a short human-readable rationale, for logging.
	Reason string

	// Context is a formatted summary of recent channel history to
	// carry into the outbound request. Always empty for DMs.
	Context string
}

type channelMessage struct {
	authorID string
	text     string
	at       time.Time
}

// channelActivity is the per-channel rolling window the guard owns.
// All access goes through the owning channel lock.
type channelActivity struct {
	mu                    sync.Mutex
	lastBotReplyAt        time.Time
	consecutiveBotReplies int
	recent                []channelMessage
	farewellIssued        bool
}

// ConversationGuard decides, per inbound event, whether the bot may
// respond, and prevents unbounded bot-to-bot reply loops. It owns all
// per-channel activity state; callers never touch it directly.
//
// Concurrency: events for different channels may be processed
// concurrently; state for a single channel is serialized by that
// channel's lock. Counts are best-effort; the guard only needs to
// bound loops, not be exact.
type ConversationGuard struct {
	config *GuardConfig
	policy *DiscordConfig
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelActivity
}

// NewConversationGuard returns a guard with empty channel state.
func NewConversationGuard(
	config *GuardConfig,
	policy *DiscordConfig,
	logger *slog.Logger,
) *ConversationGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationGuard{
		config:   config,
		policy:   policy,
		logger:   logger.With(loggerNameKey, "guard"),
		channels: make(map[string]*channelActivity),
	}
}

func (g *ConversationGuard) channel(channelID string) *channelActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	ca, ok := g.channels[channelID]
	if !ok {
		ca = &channelActivity{}
		g.channels[channelID] = ca
	}
	return ca
}

// Decide inspects one inbound event and returns whether the bot may
// respond, with rationale and any carried-over channel context. It
// never returns an error: internal formatting problems degrade to an
// empty context without affecting the decision.
func (g *ConversationGuard) Decide(event InboundEvent, selfID string) GuardDecision {
	if !g.policy.EnableAutonomous {
		return g.decideLegacy(event)
	}

	ca := g.channel(event.ChannelID)
	ca.mu.Lock()
	defer ca.mu.Unlock()

	g.observeLocked(ca, event, selfID)

	if event.AuthorID == selfID {
		return GuardDecision{Reason: "own message"}
	}

	if event.IsDirectMessage {
		if !g.policy.RespondToDMs {
			return GuardDecision{Reason: "dms disabled"}
		}
		// DM threads are isolated from channel chatter: no context.
		return GuardDecision{ShouldRespond: true, Reason: "direct message"}
	}

	if event.IsBot {
		return g.decideBotLocked(ca)
	}

	if g.policy.RespondToMentions && (event.MentionsBot || event.IsReplyToBot) {
		return GuardDecision{
			ShouldRespond: true,
			Reason:        "mentioned or replied to",
			Context:       g.contextLocked(ca),
		}
	}

	// Generic (un-mentioned) channel chatter is the caller's call; the
	// guard flags it and hands over the context either way.
	return GuardDecision{
		Generic: true,
		Reason:  "not addressed to bot",
		Context: g.contextLocked(ca),
	}
}

// decideLegacy applies the pre-autonomous policy: drop bot authors
// unless configured otherwise, allow everything else. Unaddressed human
// channel messages still carry the Generic flag so the caller's policy
// applies in both modes.
func (g *ConversationGuard) decideLegacy(event InboundEvent) GuardDecision {
	if event.IsBot && !g.policy.RespondToBots {
		return GuardDecision{Reason: "bot author (legacy policy)"}
	}
	generic := !event.IsBot && !event.IsDirectMessage &&
		!event.MentionsBot && !event.IsReplyToBot
	return GuardDecision{
		ShouldRespond: true,
		Generic:       generic,
		Reason:        "legacy policy",
	}
}

func (g *ConversationGuard) decideBotLocked(ca *channelActivity) GuardDecision {
	if !g.policy.RespondToBots {
		return GuardDecision{Reason: "bot author"}
	}
	if ca.farewellIssued {
		// One farewell ends the exchange; the flag stays set until a
		// human speaks (observeLocked clears it with the counter).
		return GuardDecision{Reason: "farewell issued, conversation closed"}
	}
	if ca.consecutiveBotReplies >= g.config.BotReplyCap {
		return GuardDecision{
			Reason: fmt.Sprintf(
				"consecutive bot reply cap reached (%d)",
				g.config.BotReplyCap,
			),
		}
	}
	return GuardDecision{
		ShouldRespond: true,
		Reason:        "bot exchange under cap",
		Context:       g.contextLocked(ca),
	}
}

// observeLocked appends the event to the channel's rolling history and
// applies the retention horizon. A human message resets the bot-reply
// counter and reopens a farewell-closed channel.
func (g *ConversationGuard) observeLocked(
	ca *channelActivity,
	event InboundEvent,
	selfID string,
) {
	ca.recent = append(ca.recent, channelMessage{
		authorID: event.AuthorID,
		text:     event.Text,
		at:       event.Timestamp,
	})
	if n := len(ca.recent) - g.config.HistorySize; n > 0 {
		ca.recent = ca.recent[n:]
	}
	if g.config.HistoryRetention > 0 {
		horizon := time.Now().Add(-g.config.HistoryRetention)
		for len(ca.recent) > 0 && ca.recent[0].at.Before(horizon) {
			ca.recent = ca.recent[1:]
		}
	}

	if !event.IsBot && event.AuthorID != selfID {
		ca.consecutiveBotReplies = 0
		ca.farewellIssued = false
	}
}

// contextLocked formats the most recent history entries for inclusion
// in an outbound request. Any panic degrades to an empty string; the
// response decision is never blocked on context formatting.
func (g *ConversationGuard) contextLocked(ca *channelActivity) (out string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("context formatting failed", "panic", r)
			out = ""
		}
	}()

	n := g.config.ContextMessages
	if n <= 0 || len(ca.recent) == 0 {
		return ""
	}
	msgs := ca.recent
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	var b strings.Builder
	b.WriteString("[Recent channel activity]\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.authorID, truncate(m.text, 140))
	}
	return b.String()
}

// RecordBotReply must be called after every reply the bot delivers to
// a channel. It advances the consecutive-reply counter and, when the
// reply reads as a farewell, closes the channel so the next incoming
// bot message is dropped even under the cap.
func (g *ConversationGuard) RecordBotReply(channelID string, replyText string) {
	ca := g.channel(channelID)
	ca.mu.Lock()
	defer ca.mu.Unlock()

	ca.consecutiveBotReplies++
	ca.lastBotReplyAt = time.Now()
	if isFarewell(replyText) {
		ca.farewellIssued = true
		g.logger.Debug("farewell detected, closing channel", "channel_id", channelID)
	}
}

// isFarewell reports whether the reply text matches a known farewell
// phrase.
func isFarewell(text string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range farewellPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
