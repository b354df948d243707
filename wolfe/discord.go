package wolfe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Attachment describes one file attached to an inbound message.
type Attachment struct {
	ID          string
	Filename    string
	URL         string
	ContentType string
	Size        int
}

// InboundEvent is the platform-neutral view of one incoming message.
// All policy code (guard, orchestrator) works from this shape; nothing
// past the adapter touches discordgo types.
type InboundEvent struct {
	ID              string
	AuthorID        string
	AuthorName      string
	IsBot           bool
	ChannelID       string
	GuildID         string
	IsDirectMessage bool
	MentionsBot     bool
	IsReplyToBot    bool
	Text            string
	Attachments     []Attachment
	Timestamp       time.Time
}

func (e InboundEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", e.ID),
		slog.String("author_id", e.AuthorID),
		slog.String("channel_id", e.ChannelID),
		slog.Bool("is_bot", e.IsBot),
		slog.Bool("is_dm", e.IsDirectMessage),
		slog.Bool("mentions_bot", e.MentionsBot),
		slog.Bool("is_reply_to_bot", e.IsReplyToBot),
		slog.String("content", truncate(e.Text, 140)),
	)
}

// Discord manages the gateway session: connecting, translating raw
// message events into InboundEvents, and delivering outbound replies.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for the Discord integration.
//   - logger: Logger for Discord-related events.
//   - metricConnects / metricDisconnects / metricMessagesSeen: event counters.
//   - connected: Atomic boolean indicating if the gateway connection is active.
//   - discordgoRemoveHandlerFuncs: functions to remove gateway event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	botUserID                   atomic.Value
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSeen          atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// dmChannels caches channel IDs known to be DMs. discordgo's state
	// tracking is disabled, so message events don't carry a channel
	// type and we resolve it once per channel via the REST API.
	dmChannels *dmChannelCache
}

// newDiscord initializes a new Discord instance with the provided
// configuration.
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		logger:                      newTintLogger(config.LogLevel, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
		dmChannels:                  newDMChannelCache(),
	}
}

// newSession initializes a new gateway session for the Discord struct,
// with the appropriate logger, token, and intents.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID as reported by the gateway
// Ready event, or empty before the first connect.
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

// Connected reports whether the gateway connection is currently up.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", d.BotUserID(),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
				d.botUserID.Store(userID)
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		if d.config.ChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.ChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

// channelMessageSend sends the given message to the given discord
// channel ID.
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// typing sends one typing indicator to the channel. Failures are
// logged and swallowed: the indicator is cosmetic.
func (d *Discord) typing(channelID string) {
	if err := d.session.ChannelTyping(channelID); err != nil {
		d.logger.Debug("typing indicator failed", tint.Err(err), "channel_id", channelID)
	}
}

// dmChannel resolves (creating if necessary) the DM channel for the
// given user.
func (d *Discord) dmChannel(userID string) (string, error) {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("error creating DM channel for %s: %w", userID, err)
	}
	return ch.ID, nil
}

// isDirectMessage reports whether channelID is a DM channel. Guild
// messages carry a GuildID so the REST lookup only happens for
// guild-less events, and its result is cached.
func (d *Discord) isDirectMessage(m *discordgo.MessageCreate) bool {
	if m.GuildID != "" {
		return false
	}
	if known, ok := d.dmChannels.get(m.ChannelID); ok {
		return known
	}
	ch, err := d.session.Channel(m.ChannelID)
	if err != nil {
		d.logger.Warn(
			"channel type lookup failed",
			tint.Err(err),
			"channel_id", m.ChannelID,
		)
		// No guild ID and no answer from the API: treat as a DM, which
		// is the conservative read for a guild-less message.
		return true
	}
	isDM := ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM
	d.dmChannels.put(m.ChannelID, isDM)
	return isDM
}

// newInboundEvent translates one raw gateway message into the
// platform-neutral event shape.
func (d *Discord) newInboundEvent(m *discordgo.MessageCreate) InboundEvent {
	selfID := d.BotUserID()
	ev := InboundEvent{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		GuildID:         m.GuildID,
		Text:            m.Content,
		Timestamp:       m.Timestamp,
		IsDirectMessage: d.isDirectMessage(m),
		MentionsBot:     messageMentionsUser(m.Message, selfID),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		ev.AuthorName = m.Author.Username
		ev.IsBot = m.Author.Bot
	}
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		ev.IsReplyToBot = m.ReferencedMessage.Author.ID == selfID
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		ev.Attachments = append(ev.Attachments, Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return ev
}

// inChannelScope reports whether the event falls inside the configured
// channel restriction. DMs are always in scope (DM policy is enforced
// separately).
func (d *Discord) inChannelScope(ev InboundEvent) bool {
	if ev.IsDirectMessage {
		return true
	}
	if d.config.ChannelID == "" {
		return true
	}
	return ev.ChannelID == d.config.ChannelID
}

// authorizedDM reports whether a DM author is permitted to talk to the
// bot. An empty AuthorizedUserID leaves DMs open to anyone.
func (d *Discord) authorizedDM(ev InboundEvent) bool {
	if d.config.AuthorizedUserID == "" {
		return true
	}
	return ev.AuthorID == d.config.AuthorizedUserID
}

// Deliver splits text into chunks under the outbound limit and sends
// them in order. Reply threading applies to the first chunk only.
func (d *Discord) Deliver(
	ctx context.Context,
	channelID string,
	text string,
	replyTo *discordgo.MessageReference,
) error {
	limit := d.config.OutboundLimit
	if limit <= 0 || limit > discordMaxMessageLength {
		limit = DefaultOutboundLimit
	}
	chunks := ChunkMessage(text, limit)
	if len(chunks) == 0 {
		return nil
	}
	return d.sendChunks(ctx, channelID, chunks, replyTo, d.config.ChunkDelay)
}

type dmChannelCache struct {
	mu    sync.Mutex
	known map[string]bool
}

func newDMChannelCache() *dmChannelCache {
	return &dmChannelCache{known: make(map[string]bool)}
}

func (c *dmChannelCache) get(channelID string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.known[channelID]
	return v, ok
}

func (c *dmChannelCache) put(channelID string, isDM bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[channelID] = isDM
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as
	// a reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping broadcasts a typing indicator to the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// Channel fetches channel metadata by ID
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// UserChannelCreate resolves (or creates) a DM channel with the
	// given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself
// contains the user, just if the message mentions the user via @).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// stripBotMention removes leading mentions of the bot from the message
// text, so the backend sees the question rather than the addressing.
func stripBotMention(text string, botID string) string {
	if botID == "" {
		return text
	}
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	return text
}
