package wolfe

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWolfe wires a Wolfe around a stub gateway session and a stub
// backend, skipping Run entirely.
func newTestWolfe(
	t *testing.T,
	session DiscordSessionHandler,
	backend *stubChatCaller,
) *Wolfe {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.EnableAutonomous = true
	cfg.Discord.RespondToBots = true

	w := &Wolfe{
		config: cfg,
		logger: slog.Default(),
	}
	w.discord = newDiscord(cfg.Discord)
	w.discord.session = session
	w.discord.botUserID.Store("bot-self")
	w.guard = NewConversationGuard(cfg.Guard, cfg.Discord, nil)
	w.orchestrator = newOrchestrator(
		cfg.Discord,
		cfg.Backend,
		backend,
		w.discord,
		w.guard,
		nil,
		nil,
		nil,
	)
	return w
}

func inboundDM(authorID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "dm-msg",
			ChannelID: "dm-chan",
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "visitor"},
			Timestamp: time.Now(),
		},
	}
}

func TestUnauthorizedDMDeniedWithoutBackendCall(t *testing.T) {
	session := &dmAwareSession{channelType: discordgo.ChannelTypeDM}
	backend := &stubChatCaller{
		reply: AssembledReply{Text: "should never be sent", Completed: true},
	}
	w := newTestWolfe(t, session, backend)
	w.config.Discord.AuthorizedUserID = "owner"

	w.handleMessageCreate(context.Background(), inboundDM("stranger", "hello?"))

	require.Len(t, session.sends, 1)
	assert.Equal(t, DefaultUnauthorizedDM, session.sends[0])
	assert.Equal(t, "dm-chan", session.sendTo[0])
	assert.Zero(t, backend.calls)
}

func TestAuthorizedDMReachesBackend(t *testing.T) {
	session := &dmAwareSession{channelType: discordgo.ChannelTypeDM}
	backend := &stubChatCaller{
		reply: AssembledReply{Text: "hi owner", Completed: true},
	}
	w := newTestWolfe(t, session, backend)
	w.config.Discord.AuthorizedUserID = "owner"

	w.handleMessageCreate(context.Background(), inboundDM("owner", "hello"))

	assert.Equal(t, 1, backend.calls)
	require.NotEmpty(t, session.sends)
	assert.Equal(t, "hi owner", session.sends[len(session.sends)-1])
}

func TestOwnMessagesIgnored(t *testing.T) {
	session := &stubSessionHandler{}
	backend := &stubChatCaller{}
	w := newTestWolfe(t, session, backend)

	m := guildMessage("bot-self", "my own message")
	w.handleMessageCreate(context.Background(), m)

	assert.Zero(t, backend.calls)
	assert.Empty(t, session.sends)
}

func TestMentionStrippedBeforeBackend(t *testing.T) {
	session := &stubSessionHandler{}
	backend := &stubChatCaller{
		reply: AssembledReply{Text: "answer", Completed: true},
	}
	w := newTestWolfe(t, session, backend)

	m := guildMessage("user-1", "<@bot-self> what time is it?")
	m.Mentions = []*discordgo.User{{ID: "bot-self"}}
	w.handleMessageCreate(context.Background(), m)

	require.Equal(t, 1, backend.calls)
	content := backend.requests[0].Messages[0].Content
	assert.Contains(t, content, "what time is it?")
	assert.NotContains(t, content, "<@bot-self>")
}

func TestOutOfScopeChannelIgnored(t *testing.T) {
	session := &stubSessionHandler{}
	backend := &stubChatCaller{}
	w := newTestWolfe(t, session, backend)
	w.config.Discord.ChannelID = "home-chan"

	m := guildMessage("user-1", "<@bot-self> hi")
	m.Mentions = []*discordgo.User{{ID: "bot-self"}}
	m.ChannelID = "other-chan"
	w.handleMessageCreate(context.Background(), m)

	assert.Zero(t, backend.calls)
}

func TestGenericHumanMessageGated(t *testing.T) {
	// unaddressed human chatter never reaches the backend unless
	// generic responses are explicitly enabled
	session := &stubSessionHandler{}
	backend := &stubChatCaller{}
	w := newTestWolfe(t, session, backend)
	w.config.Discord.RespondToGeneric = false

	w.handleMessageCreate(context.Background(), guildMessage("user-1", "nice weather"))
	assert.Zero(t, backend.calls)
}

func TestGenericHumanMessageAnsweredWhenEnabled(t *testing.T) {
	session := &stubSessionHandler{}
	backend := &stubChatCaller{
		reply: AssembledReply{Text: "it really is", Completed: true},
	}
	w := newTestWolfe(t, session, backend)
	w.config.Discord.RespondToGeneric = true

	w.handleMessageCreate(context.Background(), guildMessage("user-1", "nice weather"))

	require.Equal(t, 1, backend.calls)
	require.NotEmpty(t, session.sends)
	assert.Equal(t, "it really is", session.sends[len(session.sends)-1])
}

func TestOwnMessagesFeedChannelHistory(t *testing.T) {
	session := &stubSessionHandler{}
	backend := &stubChatCaller{
		reply: AssembledReply{Text: "I said the deploy is at noon", Completed: true},
	}
	w := newTestWolfe(t, session, backend)

	own := guildMessage("bot-self", "the deploy is at noon")
	own.Timestamp = time.Now()
	w.handleMessageCreate(context.Background(), own)
	require.Zero(t, backend.calls)

	m := guildMessage("user-1", "<@bot-self> when is the deploy?")
	m.Timestamp = time.Now()
	m.Mentions = []*discordgo.User{{ID: "bot-self"}}
	w.handleMessageCreate(context.Background(), m)

	require.Equal(t, 1, backend.calls)
	content := backend.requests[0].Messages[0].Content
	assert.Contains(t, content, "the deploy is at noon")
}

func TestTurnKindFor(t *testing.T) {
	assert.Equal(t, TurnDM, turnKindFor(InboundEvent{IsDirectMessage: true}))
	assert.Equal(
		t,
		TurnDM,
		turnKindFor(InboundEvent{IsDirectMessage: true, MentionsBot: true}),
	)
	assert.Equal(t, TurnMention, turnKindFor(InboundEvent{MentionsBot: true}))
	assert.Equal(t, TurnReply, turnKindFor(InboundEvent{IsReplyToBot: true}))
	assert.Equal(t, TurnGeneric, turnKindFor(InboundEvent{}))
}

func newValidConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "discord-token"
	cfg.Backend.BaseURL = "http://localhost:9000"
	return cfg
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := newValidConfig()
	cfg.Backend.MaxTokens = -5
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewRequiresToken(t *testing.T) {
	cfg := newValidConfig()
	cfg.Discord.Token = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	w, err := New(newValidConfig())
	require.NoError(t, err)
	assert.NotNil(t, w.discord)
	assert.NotNil(t, w.backend)
	assert.NotNil(t, w.guard)
	assert.NotNil(t, w.api)
}
