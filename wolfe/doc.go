// Package wolfe implements a Discord bot that relays conversation to a
// streaming chat backend and decides, on its own, when to speak.
//
// Wolfe listens on a Discord gateway connection, filters inbound
// messages through a conversation guard (loop caps for bot-to-bot
// exchanges, DM authorization, channel scoping), and forwards the
// surviving turns to an HTTP chat backend, assembling the backend's
// server-sent event stream into a single reply before delivering it in
// Discord-sized chunks.
//
// Key components of the package include:
//
//   - Wolfe: The main struct wiring the subsystems into one lifecycle.
//   - Discord: The gateway adapter; translates raw events and delivers replies.
//   - ConversationGuard: Per-channel response gating and loop protection.
//   - Backend: The HTTP/SSE client for the chat backend.
//   - Orchestrator: Builds one request per turn and routes the reply.
//   - Heartbeat: Schedules autonomous, unprompted turns on a jittered,
//     time-of-day weighted cadence.
//   - Attachments: Downloads, summarizes, and transcribes message attachments.
//   - ConversationLog: Buffered persistence of turn traffic.
//   - API: A read-only status/diagnostics HTTP server.
//
// The bot also handles voice-note transcription via the OpenAI audio
// API, typing indicators while a reply is in flight, and canned
// user-facing messages for backend failures.
package wolfe
