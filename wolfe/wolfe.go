package wolfe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/clotho2/wolfe/wolfe.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Wolfe is the bot: the gateway adapter, loop guard, orchestrator,
// heartbeat scheduler, conversation log, and status API, wired
// together and sharing one lifecycle.
type Wolfe struct {
	config       *Config
	logger       *slog.Logger
	discord      *Discord
	backend      *Backend
	guard        *ConversationGuard
	orchestrator *Orchestrator
	heartbeat    *Heartbeat
	attachments  *Attachments
	api          *API
	db           *gorm.DB
	convLog      *ConversationLog

	runMu     sync.Mutex
	startedAt time.Time
}

// New builds a Wolfe from the given config. Nothing connects until
// Run.
func New(config *Config) (*Wolfe, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newTintLogger(config.LogLevel, "wolfe")
	slog.SetDefault(logger)

	w := &Wolfe{
		config: config,
		logger: logger,
	}

	w.discord = newDiscord(config.Discord)
	w.backend = newBackend(config.Backend, nil)
	w.guard = NewConversationGuard(config.Guard, config.Discord, logger)
	w.attachments = newAttachments(
		config.Backend,
		TextChunkExtractor{},
		nil,
		transcriberOrNil(NewWhisperTranscriber(config.Backend.WhisperToken, logger)),
		logger,
	)
	w.api = newAPI(w, config.API)
	return w, nil
}

// transcriberOrNil keeps a nil *WhisperTranscriber from becoming a
// non-nil Transcriber interface value.
func transcriberOrNil(t *WhisperTranscriber) Transcriber {
	if t == nil {
		return nil
	}
	return t
}

// Run connects everything and blocks until ctx is cancelled, then
// shuts down gracefully: the gateway session is closed, buffered log
// writes are flushed, and in-flight sends get a bounded grace period.
func (w *Wolfe) Run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.startedAt = time.Now()
	ctx, cancel := context.WithCancel(WithLogger(ctx, w.logger))
	defer cancel()

	w.logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newTintLogger(w.config.Discord.DiscordGoLogLevel, "discordgo").Handler(),
	)

	db, err := CreateDB(ctx, w.config)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.db = db
	w.convLog = NewConversationLog(db, w.logger)

	w.orchestrator = newOrchestrator(
		w.config.Discord,
		w.config.Backend,
		w.backend,
		w.discord,
		w.guard,
		w.attachments,
		w.convLog,
		w.logger,
	)
	w.heartbeat = newHeartbeat(
		w.config.Heartbeat,
		w.config.Discord,
		w.orchestrator,
		w.discord,
		w.logger,
	)

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()
	if err = w.connectDiscord(startCtx); err != nil {
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := w.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			w.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.heartbeat.Run(ctx)
	}()

	<-ctx.Done()
	return w.shutdown(runtimeWG)
}

// connectDiscord opens the gateway session and registers the message
// handler.
func (w *Wolfe) connectDiscord(ctx context.Context) error {
	session, err := w.discord.newSession()
	if err != nil {
		return err
	}
	w.discord.session = session

	w.discord.discordgoRemoveHandlerFuncs = append(
		w.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(w.discord.handlerReady()),
		session.AddHandler(w.discord.handlerConnect()),
		session.AddHandler(w.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				go w.handleMessageCreate(context.WithoutCancel(ctx), m)
			},
		),
	)

	opened := make(chan error, 1)
	go func() {
		opened <- session.Open()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-opened:
		if err != nil {
			return fmt.Errorf("error opening discord session: %w", err)
		}
	}
	w.logger.Info("discord session opened")
	return nil
}

// handleMessageCreate is the gateway entry point for one inbound
// message: scope checks, guard decision, then a full turn. Each
// message runs in its own goroutine; panics are contained.
func (w *Wolfe) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked", "panic", r)
		}
	}()
	if m == nil || m.Author == nil {
		return
	}
	w.discord.metricMessagesSeen.Add(1)

	event := w.discord.newInboundEvent(m)
	selfID := w.discord.BotUserID()
	logger.Debug("saw message", "event", event)

	if !w.discord.inChannelScope(event) {
		logger.Debug("message outside channel scope", "channel_id", event.ChannelID)
		return
	}

	// The bot's own gateway echoes feed the guard's channel history and
	// nothing else.
	if event.AuthorID == selfID {
		w.guard.Decide(event, selfID)
		return
	}

	// Unauthorized DMs get a fixed denial with no backend involvement.
	if event.IsDirectMessage && !w.discord.authorizedDM(event) {
		logger.Info("denying unauthorized DM", "author_id", event.AuthorID)
		if err := w.discord.Deliver(
			ctx, event.ChannelID, DefaultUnauthorizedDM, nil,
		); err != nil {
			logger.Warn("unable to send DM denial", tint.Err(err))
		}
		return
	}

	decision := w.guard.Decide(event, selfID)
	logger.Debug(
		"guard decision",
		"should_respond", decision.ShouldRespond,
		"generic", decision.Generic,
		"reason", decision.Reason,
	)

	respond := decision.ShouldRespond
	if decision.Generic {
		respond = w.config.Discord.RespondToGeneric
	}
	if !respond {
		if w.convLog != nil {
			w.convLog.RecordInbound(event)
		}
		return
	}

	kind := turnKindFor(event)

	override := ""
	if w.attachments != nil && len(event.Attachments) > 0 {
		override = w.attachments.TranscribeVoice(ctx, event.Attachments)
	}
	if override == "" && event.Text != "" {
		event.Text = stripBotMention(event.Text, selfID)
	}

	w.orchestrator.HandleTurn(ctx, event, kind, decision.Context, override)
}

func turnKindFor(event InboundEvent) TurnKind {
	switch {
	case event.IsDirectMessage:
		return TurnDM
	case event.MentionsBot:
		return TurnMention
	case event.IsReplyToBot:
		return TurnReply
	default:
		return TurnGeneric
	}
}

// shutdown tears the process down within the configured grace period.
func (w *Wolfe) shutdown(runtimeWG *sync.WaitGroup) error {
	w.logger.Warn("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		w.config.ShutdownTimeout,
	)
	defer cancel()

	if w.discord.session != nil {
		for _, remove := range w.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		if err := w.discord.session.Close(); err != nil {
			w.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		w.logger.Warn("grace period elapsed with work in flight")
	}

	if w.convLog != nil {
		w.convLog.Close()
	}
	if err := w.api.Shutdown(shutdownCtx); err != nil {
		w.logger.Error("error shutting down api", tint.Err(err))
	}
	w.logger.Info("shutdown complete")
	return nil
}
