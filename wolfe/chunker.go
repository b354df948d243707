package wolfe

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// chunkBreakThreshold is how far into a window a newline must fall to
// be honored as the cut point. Breaking earlier would produce
// pathologically small chunks.
const chunkBreakThreshold = 0.6

// ChunkMessage splits text into ordered segments, each at most limit
// bytes, preferring to cut at the last newline in each window when it
// lies past 60% of the window. The split is lossless: concatenating
// the returned chunks reproduces the input exactly.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 || text == "" {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := limit
		window := text[:limit]
		if idx := strings.LastIndex(window, "\n"); idx >= 0 &&
			float64(idx+1) > float64(limit)*chunkBreakThreshold {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// sendChunks delivers chunks to channelID strictly in order, pausing
// delay between consecutive sends. When replyTo is non-nil the first
// chunk is sent as a reply to that message; all following chunks are
// plain channel sends. The first failed send aborts the remainder and
// is returned; chunks already delivered stay delivered.
func (d *Discord) sendChunks(
	ctx context.Context,
	channelID string,
	chunks []string,
	replyTo *discordgo.MessageReference,
	delay time.Duration,
) error {
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		if i == 0 && replyTo != nil {
			_, err = d.session.ChannelMessageSendReply(channelID, chunk, replyTo)
		} else {
			_, err = d.session.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			d.logger.Error(
				"chunk send failed",
				tint.Err(err),
				"channel_id", channelID,
				"chunk", i,
				"total", len(chunks),
			)
			return err
		}
	}
	return nil
}
