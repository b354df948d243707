package wolfe

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProducer struct {
	calls int
	reply AssembledReply
	err   error
}

func (s *stubProducer) HeartbeatTurn(context.Context) (AssembledReply, error) {
	s.calls++
	return s.reply, s.err
}

type stubDeliverer struct {
	delivered  []string
	channels   []string
	dmErr      error
	deliverErr error
}

func (s *stubDeliverer) Deliver(
	_ context.Context,
	channelID string,
	text string,
	_ *discordgo.MessageReference,
) error {
	if s.deliverErr != nil {
		return s.deliverErr
	}
	s.delivered = append(s.delivered, text)
	s.channels = append(s.channels, channelID)
	return nil
}

func (s *stubDeliverer) dmChannel(userID string) (string, error) {
	if s.dmErr != nil {
		return "", s.dmErr
	}
	return "dm-" + userID, nil
}

func newTestHeartbeat(
	t *testing.T,
	producer *stubProducer,
	deliverer *stubDeliverer,
) *Heartbeat {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Heartbeat.Enabled = true
	cfg.Discord.ChannelID = "default-chan"
	h := newHeartbeat(cfg.Heartbeat, cfg.Discord, producer, deliverer, nil)
	h.rng = rand.New(rand.NewSource(1))
	return h
}

func TestWindowForHourCoversAllHours(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		w := windowForHour(hour)
		assert.Positive(t, w.interval, "hour %d", hour)
		assert.Greater(t, w.probability, 0.0, "hour %d", hour)
		assert.LessOrEqual(t, w.probability, 1.0, "hour %d", hour)
	}
}

func TestWindowForHourNightIsQuieter(t *testing.T) {
	night := windowForHour(4)
	evening := windowForHour(20)
	assert.Greater(t, night.interval, evening.interval)
	assert.Less(t, night.probability, evening.probability)
}

func TestJitteredDelayBounds(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})
	interval := 40 * time.Minute
	for i := 0; i < 1000; i++ {
		delay := h.jitteredDelay(interval)
		assert.GreaterOrEqual(t, delay, interval/2)
		assert.LessOrEqual(t, delay, interval)
	}
}

func TestCycleSkipsBackendOnFailedTrial(t *testing.T) {
	producer := &stubProducer{reply: AssembledReply{Text: "hi", Completed: true}}
	h := newTestHeartbeat(t, producer, &stubDeliverer{})

	// pin the clock to the overnight band (p = 0.05) and run many
	// cycles: the backend must only be called on fired trials
	loc := time.UTC
	h.now = func() time.Time {
		return time.Date(2025, 6, 1, 4, 0, 0, 0, loc)
	}

	const cycles = 10_000
	for i := 0; i < cycles; i++ {
		h.cycle(context.Background())
	}

	total, fired, _ := h.Stats()
	assert.Equal(t, int64(cycles), total)
	assert.Equal(t, fired, int64(producer.calls))

	// Bernoulli(0.05) over 10k trials: expect ~500, allow wide slack
	assert.InDelta(t, 500, producer.calls, 150)
}

func TestCycleFiringRateTracksWindowProbability(t *testing.T) {
	producer := &stubProducer{reply: AssembledReply{Completed: true}}
	h := newTestHeartbeat(t, producer, &stubDeliverer{})
	h.now = func() time.Time {
		return time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	}

	const cycles = 10_000
	for i := 0; i < cycles; i++ {
		h.cycle(context.Background())
	}

	// evening band fires with p = 0.5
	assert.InDelta(t, 5000, producer.calls, 300)
}

func TestCycleDeliversToChannel(t *testing.T) {
	producer := &stubProducer{
		reply: AssembledReply{Text: "thinking out loud", Completed: true},
	}
	deliverer := &stubDeliverer{}
	h := newTestHeartbeat(t, producer, deliverer)

	for len(deliverer.delivered) == 0 {
		h.cycle(context.Background())
	}
	assert.Equal(t, "thinking out loud", deliverer.delivered[0])
	assert.Equal(t, "default-chan", deliverer.channels[0])
}

func TestCycleDeliversRoutedMessage(t *testing.T) {
	// a done payload's send_message is delivered even when the
	// assembled stream text is empty, and wins when both are set
	producer := &stubProducer{
		reply: AssembledReply{SendMessage: "routed text", Completed: true},
	}
	deliverer := &stubDeliverer{}
	h := newTestHeartbeat(t, producer, deliverer)

	for len(deliverer.delivered) == 0 {
		h.cycle(context.Background())
	}
	assert.Equal(t, "routed text", deliverer.delivered[0])

	producer.reply = AssembledReply{
		Text:        "stream text",
		SendMessage: "routed wins",
		Completed:   true,
	}
	deliverer.delivered = nil
	for len(deliverer.delivered) == 0 {
		h.cycle(context.Background())
	}
	assert.Equal(t, "routed wins", deliverer.delivered[0])
}

func TestCycleSurvivesProducerError(t *testing.T) {
	producer := &stubProducer{err: assert.AnError}
	deliverer := &stubDeliverer{}
	h := newTestHeartbeat(t, producer, deliverer)

	for producer.calls == 0 {
		h.cycle(context.Background())
	}
	assert.Empty(t, deliverer.delivered)
}

func TestResolveDeliveryChannelDefault(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})

	target, channelID := h.resolveDelivery(AssembledReply{Text: "x"})
	assert.Equal(t, DeliveryChannel, target)
	assert.Equal(t, "default-chan", channelID)
}

func TestResolveDeliveryPrefersHeartbeatChannel(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})
	h.discordCfg.HeartbeatChannelID = "hb-chan"

	_, channelID := h.resolveDelivery(AssembledReply{Text: "x"})
	assert.Equal(t, "hb-chan", channelID)
}

func TestResolveDeliveryDM(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})
	h.discordCfg.AuthorizedUserID = "user-1"

	target, channelID := h.resolveDelivery(AssembledReply{Text: "x", Target: "dm"})
	assert.Equal(t, DeliveryDM, target)
	assert.Equal(t, "dm-user-1", channelID)
}

func TestResolveDeliveryDMFallsBackWithoutAuthorizedUser(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})
	require.Empty(t, h.discordCfg.AuthorizedUserID)

	target, channelID := h.resolveDelivery(AssembledReply{Text: "x", Target: "dm"})
	assert.Equal(t, DeliveryChannel, target)
	assert.Equal(t, "default-chan", channelID)
}

func TestResolveDeliveryNone(t *testing.T) {
	h := newTestHeartbeat(t, &stubProducer{}, &stubDeliverer{})

	target, channelID := h.resolveDelivery(AssembledReply{Text: "x", Target: "none"})
	assert.Equal(t, DeliveryNone, target)
	assert.Empty(t, channelID)
}
