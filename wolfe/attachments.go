package wolfe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// ChunkExtractor extracts a text summary or leading chunk from a
// non-image attachment (text files, documents, logs).
type ChunkExtractor interface {
	ExtractChunk(ctx context.Context, filename string, data []byte) (string, error)
}

// ImageCompressor is an optional capability for shrinking oversized
// images before they are forwarded. When absent, images pass through
// untouched (or are dropped when over the byte cap).
type ImageCompressor interface {
	Compress(ctx context.Context, data []byte, maxBytes int64) ([]byte, error)
}

// Transcriber converts a voice-note audio payload to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, data []byte) (string, error)
}

// Attachments downloads and processes inbound message attachments.
// Downloads are bounded by a short timeout and a hard byte cap; any
// per-file failure degrades that file, never the turn.
type Attachments struct {
	config      *BackendConfig
	logger      *slog.Logger
	httpClient  *http.Client
	extractor   ChunkExtractor
	compressor  ImageCompressor
	transcriber Transcriber
}

func newAttachments(
	config *BackendConfig,
	extractor ChunkExtractor,
	compressor ImageCompressor,
	transcriber Transcriber,
	logger *slog.Logger,
) *Attachments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Attachments{
		config:      config,
		logger:      logger.With(loggerNameKey, "attachments"),
		httpClient:  &http.Client{Timeout: config.AttachmentTimeout},
		extractor:   extractor,
		compressor:  compressor,
		transcriber: transcriber,
	}
}

// download fetches one attachment, enforcing the configured byte cap.
func (a *Attachments) download(ctx context.Context, att Attachment) ([]byte, error) {
	if a.config.AttachmentMaxBytes > 0 && int64(att.Size) > a.config.AttachmentMaxBytes {
		return nil, fmt.Errorf(
			"attachment %s is %d bytes, over the %d byte cap",
			att.Filename, att.Size, a.config.AttachmentMaxBytes,
		)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.AttachmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment fetch returned %d", resp.StatusCode)
	}

	limit := a.config.AttachmentMaxBytes
	if limit <= 0 {
		limit = DefaultAttachmentMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("attachment %s exceeds %d byte cap", att.Filename, limit)
	}
	return data, nil
}

func isImageAttachment(att Attachment) bool {
	return strings.HasPrefix(att.ContentType, "image/")
}

func isAudioAttachment(att Attachment) bool {
	return strings.HasPrefix(att.ContentType, "audio/") ||
		strings.HasSuffix(strings.ToLower(att.Filename), ".ogg")
}

// Summarize processes the non-image attachments on an event and
// returns Markdown bullet lines describing them. A file that can't be
// downloaded or extracted gets a placeholder line naming it; the
// result never carries an error.
func (a *Attachments) Summarize(ctx context.Context, attachments []Attachment) string {
	var b strings.Builder
	for _, att := range attachments {
		if isImageAttachment(att) || isAudioAttachment(att) {
			continue
		}
		summary, err := a.summarizeOne(ctx, att)
		if err != nil {
			a.logger.Warn(
				"attachment processing failed",
				tint.Err(err),
				"filename", att.Filename,
			)
			fmt.Fprintf(&b, "- %s (could not be processed)\n", att.Filename)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", att.Filename, summary)
	}
	return b.String()
}

func (a *Attachments) summarizeOne(ctx context.Context, att Attachment) (string, error) {
	if a.extractor == nil {
		return "", fmt.Errorf("no chunk extractor configured")
	}
	data, err := a.download(ctx, att)
	if err != nil {
		return "", err
	}
	return a.extractor.ExtractChunk(ctx, att.Filename, data)
}

// TranscribeVoice finds the first audio attachment on an event and
// returns its transcription, or "" when there is no voice note or
// transcription is unavailable.
func (a *Attachments) TranscribeVoice(ctx context.Context, attachments []Attachment) string {
	if a.transcriber == nil {
		return ""
	}
	for _, att := range attachments {
		if !isAudioAttachment(att) {
			continue
		}
		data, err := a.download(ctx, att)
		if err != nil {
			a.logger.Warn(
				"voice note download failed",
				tint.Err(err),
				"filename", att.Filename,
			)
			return ""
		}
		text, err := a.transcriber.Transcribe(ctx, att.Filename, data)
		if err != nil {
			a.logger.Warn(
				"voice transcription failed",
				tint.Err(err),
				"filename", att.Filename,
			)
			return ""
		}
		return text
	}
	return ""
}

// CompressImage shrinks an image payload when a compressor is wired
// in. Without one, payloads under the cap pass through and oversized
// payloads are rejected.
func (a *Attachments) CompressImage(ctx context.Context, data []byte) ([]byte, error) {
	limit := a.config.AttachmentMaxBytes
	if limit <= 0 {
		limit = DefaultAttachmentMaxBytes
	}
	if int64(len(data)) <= limit {
		return data, nil
	}
	if a.compressor == nil {
		return nil, fmt.Errorf("image is %d bytes and no compressor is available", len(data))
	}
	return a.compressor.Compress(ctx, data, limit)
}

// WhisperTranscriber implements Transcriber over the OpenAI audio
// transcription API.
type WhisperTranscriber struct {
	client *openai.Client
	logger *slog.Logger
}

// NewWhisperTranscriber returns a Transcriber backed by the given API
// token, or nil when the token is empty.
func NewWhisperTranscriber(token string, logger *slog.Logger) *WhisperTranscriber {
	if token == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperTranscriber{
		client: openai.NewClient(token),
		logger: logger.With(loggerNameKey, "whisper"),
	}
}

func (w *WhisperTranscriber) Transcribe(
	ctx context.Context,
	filename string,
	data []byte,
) (string, error) {
	resp, err := w.client.CreateTranscription(
		ctx,
		openai.AudioRequest{
			Model:    openai.Whisper1,
			FilePath: filename,
			Reader:   bytes.NewReader(data),
		},
	)
	if err != nil {
		return "", fmt.Errorf("error transcribing %s: %w", filename, err)
	}
	w.logger.Debug("transcribed voice note", "filename", filename, "len", len(resp.Text))
	return resp.Text, nil
}

// TextChunkExtractor is the default ChunkExtractor: it treats the
// payload as UTF-8 text and returns the leading chunk.
type TextChunkExtractor struct {
	MaxChunk int
}

func (t TextChunkExtractor) ExtractChunk(
	_ context.Context,
	filename string,
	data []byte,
) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not a text file", filename)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "(empty file)", nil
	}
	limit := t.MaxChunk
	if limit <= 0 {
		limit = 1000
	}
	return truncate(text, limit), nil
}
