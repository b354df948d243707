package wolfe

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// heartbeatWindow shapes autonomous-turn cadence for a slice of the
// local day: how long to wait between attempts and how likely each
// attempt is to actually fire.
type heartbeatWindow struct {
	// startHour and endHour bound the window, endHour exclusive. A
	// window may wrap midnight (startHour > endHour).
	startHour int
	endHour   int

	// interval is the base wait; the actual delay is jittered down to
	// as little as half of it.
	interval time.Duration

	// probability is the chance a cycle fires once the wait elapses.
	probability float64
}

// heartbeatWindows is the fixed local-hour band table. Daytime bands
// fire often with short waits; the overnight band is long and quiet.
var heartbeatWindows = []heartbeatWindow{
	{startHour: 8, endHour: 12, interval: 45 * time.Minute, probability: 0.35},
	{startHour: 12, endHour: 18, interval: 35 * time.Minute, probability: 0.45},
	{startHour: 18, endHour: 23, interval: 30 * time.Minute, probability: 0.50},
	{startHour: 23, endHour: 3, interval: 90 * time.Minute, probability: 0.15},
	{startHour: 3, endHour: 8, interval: 3 * time.Hour, probability: 0.05},
}

// windowForHour returns the band covering the given local hour.
func windowForHour(hour int) heartbeatWindow {
	for _, w := range heartbeatWindows {
		if w.startHour <= w.endHour {
			if hour >= w.startHour && hour < w.endHour {
				return w
			}
		} else if hour >= w.startHour || hour < w.endHour {
			return w
		}
	}
	return heartbeatWindows[0]
}

// DeliveryTarget is where a heartbeat reply goes.
type DeliveryTarget int

const (
	// DeliveryChannel posts to the heartbeat (or default) channel.
	DeliveryChannel DeliveryTarget = iota
	// DeliveryDM sends to the authorized user's DM channel.
	DeliveryDM
	// DeliveryNone drops the reply.
	DeliveryNone
)

// heartbeatProducer is the orchestrator surface the scheduler needs: a
// single system-originated turn.
type heartbeatProducer interface {
	HeartbeatTurn(ctx context.Context) (AssembledReply, error)
}

// heartbeatDeliverer is the platform surface the scheduler needs.
type heartbeatDeliverer interface {
	Deliver(ctx context.Context, channelID string, text string, replyTo *discordgo.MessageReference) error
	dmChannel(userID string) (string, error)
}

// Heartbeat originates autonomous turns on a jittered, probability
// gated schedule. One cycle is in flight at a time; the loop only
// exits when its context is cancelled.
type Heartbeat struct {
	config     *HeartbeatConfig
	discordCfg *DiscordConfig
	producer   heartbeatProducer
	deliverer  heartbeatDeliverer
	logger     *slog.Logger

	// now and rng are swappable for tests.
	now func() time.Time
	rng *rand.Rand

	mu          sync.Mutex
	lastFiredAt time.Time
	cycles      int64
	fired       int64
}

func newHeartbeat(
	config *HeartbeatConfig,
	discordCfg *DiscordConfig,
	producer heartbeatProducer,
	deliverer heartbeatDeliverer,
	logger *slog.Logger,
) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		config:     config,
		discordCfg: discordCfg,
		producer:   producer,
		deliverer:  deliverer,
		logger:     logger.With(loggerNameKey, "heartbeat"),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// jitteredDelay picks a uniform random delay in [interval/2, interval].
func (h *Heartbeat) jitteredDelay(interval time.Duration) time.Duration {
	half := interval / 2
	return half + time.Duration(h.rng.Int63n(int64(half)+1))
}

// Run drives the scheduler loop until ctx is cancelled. Each cycle
// waits out a jittered delay for the current time band, re-fetches the
// band, runs one Bernoulli trial, and only then touches the backend.
// Errors and panics inside a cycle are logged and treated as "no
// message produced"; the loop always reschedules.
func (h *Heartbeat) Run(ctx context.Context) {
	if !h.config.Enabled {
		h.logger.Info("heartbeat disabled")
		return
	}
	h.logger.Info("heartbeat started", "pause", h.config.Pause)

	for {
		window := h.currentWindow()
		delay := h.jitteredDelay(window.interval)
		h.logger.Debug(
			"heartbeat waiting",
			"delay", delay,
			"band_interval", window.interval,
			"band_probability", window.probability,
		)

		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-time.After(delay):
		}

		h.cycle(ctx)

		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-time.After(h.config.Pause):
		}
	}
}

func (h *Heartbeat) currentWindow() heartbeatWindow {
	now := h.now()
	if loc := h.discordCfg.Location(); loc != nil {
		now = now.In(loc)
	}
	return windowForHour(now.Hour())
}

// cycle runs one heartbeat attempt. The probability trial happens
// before any backend work; a failed trial costs nothing.
func (h *Heartbeat) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("heartbeat cycle panicked", "panic", r)
		}
	}()

	h.mu.Lock()
	h.cycles++
	h.mu.Unlock()

	window := h.currentWindow()
	if h.rng.Float64() >= window.probability {
		h.logger.Debug("heartbeat trial failed, skipping cycle")
		return
	}

	h.mu.Lock()
	h.fired++
	h.lastFiredAt = h.now()
	h.mu.Unlock()

	reply, err := h.producer.HeartbeatTurn(ctx)
	if err != nil {
		h.logger.Warn("heartbeat turn failed", tint.Err(err))
		return
	}
	// The backend may route its own outbound text in the done payload;
	// that wins over the assembled stream text.
	text := reply.Text
	if reply.SendMessage != "" {
		text = reply.SendMessage
	}
	if text == "" {
		h.logger.Debug("heartbeat produced no message")
		return
	}

	target, channelID := h.resolveDelivery(reply)
	if target == DeliveryNone || channelID == "" {
		h.logger.Debug("heartbeat reply dropped", "target", reply.Target)
		return
	}
	if err := h.deliverer.Deliver(ctx, channelID, text, nil); err != nil {
		h.logger.Warn("heartbeat delivery failed", tint.Err(err), "channel_id", channelID)
	}
}

// resolveDelivery maps the reply's requested routing onto an actual
// channel. A DM request without an authorized user falls back to the
// channel target; "none" suppresses delivery outright.
func (h *Heartbeat) resolveDelivery(reply AssembledReply) (DeliveryTarget, string) {
	fallback := h.discordCfg.HeartbeatChannelID
	if fallback == "" {
		fallback = h.discordCfg.ChannelID
	}

	switch reply.Target {
	case "none":
		return DeliveryNone, ""
	case "dm":
		if h.discordCfg.AuthorizedUserID == "" {
			return DeliveryChannel, fallback
		}
		channelID, err := h.deliverer.dmChannel(h.discordCfg.AuthorizedUserID)
		if err != nil {
			h.logger.Warn("dm channel resolution failed", tint.Err(err))
			return DeliveryChannel, fallback
		}
		return DeliveryDM, channelID
	default:
		return DeliveryChannel, fallback
	}
}

// Stats reports cycle and fire counts since startup.
func (h *Heartbeat) Stats() (cycles int64, fired int64, lastFiredAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cycles, h.fired, h.lastFiredAt
}
