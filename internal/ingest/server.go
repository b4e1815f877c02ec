// Package ingest accepts meeting audio over websocket connections. Each
// connection carries one session: JSON text messages control the session
// lifecycle and deliver per-participant audio, while binary frames are a
// compact path for mixed-stream audio. Payloads are decoded (base64, G.711)
// and normalised to the engine's canonical PCM format before they are handed
// to the session controller.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/virelia/sonoflux/pkg/audio"
)

// maxMessageBytes bounds a single websocket message. Audio messages carry at
// most a few hundred milliseconds of PCM; a megabyte is generous.
const maxMessageBytes = 1 << 20

// SessionStart carries the parameters of a session.start message.
type SessionStart struct {
	// SessionID names the session; empty lets the controller mint one.
	SessionID string

	// Mode is "individual" or "mixed". Empty selects the configured default.
	Mode string

	// SampleRate and Channels describe the audio this connection will send.
	SampleRate int
	Channels   int

	// Encoding of audio payloads: pcm16 (default), alaw or mulaw.
	Encoding audio.Encoding
}

// Controller is the session lifecycle the server drives. Implemented by the
// app's session manager.
type Controller interface {
	// StartSession begins a session and returns its id (the requested one,
	// or a minted one when the request left it empty).
	StartSession(ctx context.Context, start SessionStart) (string, error)

	// StopSession ends the session: streams are flushed and released.
	StopSession(ctx context.Context, sessionID string) error

	// AddParticipant and RemoveParticipant maintain the per-speaker streams
	// of an individual-mode session.
	AddParticipant(ctx context.Context, sessionID, streamID, speakerName string) error
	RemoveParticipant(ctx context.Context, sessionID, streamID string) error

	// IngestFrame routes one normalised frame. A frame with an empty
	// StreamID belongs to the session's mixed stream.
	IngestFrame(sessionID string, frame audio.Frame) error
}

// Option is a functional option for NewServer.
type Option func(*Server)

// WithAuthToken requires the given Bearer token on every connection.
func WithAuthToken(token string) Option {
	return func(s *Server) {
		s.authToken = token
	}
}

// WithTargetFormat sets the PCM format frames are normalised to. Defaults to
// mono 16 kHz.
func WithTargetFormat(f audio.Format) Option {
	return func(s *Server) {
		s.target = f
	}
}

// WithLogger sets the server's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Server is the websocket ingest endpoint. One websocket connection carries
// exactly one session; the connection closing stops the session.
type Server struct {
	controller Controller
	authToken  string
	target     audio.Format
	log        *slog.Logger
}

// NewServer returns a Server over the given controller.
func NewServer(controller Controller, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		target:     audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the session until the connection
// closes or a session.stop arrives.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(maxMessageBytes)

	conn := &session{srv: s, ws: c, log: s.log.With("remote", r.RemoteAddr)}
	conn.run(r.Context())
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.authToken)) == 1
}

// ---- wire format ----

// message is the JSON envelope for every control and audio text message.
// Exactly the fields for the given Type are set.
type message struct {
	Type string `json:"type"`

	// session.start
	SessionID  string `json:"session_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`

	// participant.join / participant.leave / audio
	StreamID    string `json:"stream_id,omitempty"`
	SpeakerName string `json:"speaker_name,omitempty"`

	// audio
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
	Data        string `json:"data,omitempty"`

	// error replies
	Message string `json:"message,omitempty"`
}

// session is the per-connection state: which session the connection carries,
// its declared audio format, and one normalizer per stream.
type session struct {
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	id          string
	sampleRate  int
	channels    int
	encoding    audio.Encoding
	normalizers map[string]*audio.Normalizer
}

func (c *session) run(ctx context.Context) {
	defer func() {
		if c.id != "" {
			if err := c.srv.controller.StopSession(context.WithoutCancel(ctx), c.id); err != nil {
				c.log.Warn("session stop failed", "session_id", c.id, "error", err)
			}
		}
		c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if ctx.Err() == nil {
				c.log.Debug("connection read failed", "session_id", c.id, "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			c.handleBinaryAudio(data)
			continue
		}

		var msg message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.reply(ctx, message{Type: "error", Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case "session.start":
			if err := c.handleStart(ctx, msg); err != nil {
				c.reply(ctx, message{Type: "error", Message: err.Error()})
				c.ws.Close(websocket.StatusPolicyViolation, "session start rejected")
				return
			}
		case "participant.join":
			if err := c.requireSession(); err == nil {
				err = c.srv.controller.AddParticipant(ctx, c.id, msg.StreamID, msg.SpeakerName)
			}
			if err != nil {
				c.reply(ctx, message{Type: "error", Message: err.Error()})
			}
		case "participant.leave":
			if err := c.requireSession(); err == nil {
				err = c.srv.controller.RemoveParticipant(ctx, c.id, msg.StreamID)
			}
			if err != nil {
				c.reply(ctx, message{Type: "error", Message: err.Error()})
			}
		case "audio":
			c.handleAudio(ctx, msg)
		case "session.stop":
			if c.id != "" {
				if err := c.srv.controller.StopSession(ctx, c.id); err != nil {
					c.log.Warn("session stop failed", "session_id", c.id, "error", err)
				}
				c.reply(ctx, message{Type: "session.stopped", SessionID: c.id})
				c.id = ""
			}
			return
		default:
			c.reply(ctx, message{Type: "error", Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (c *session) handleStart(ctx context.Context, msg message) error {
	if c.id != "" {
		return fmt.Errorf("session already started")
	}
	enc := audio.Encoding(msg.Encoding)
	if msg.Encoding != "" && !enc.IsValid() {
		return fmt.Errorf("unknown encoding %q", msg.Encoding)
	}

	id, err := c.srv.controller.StartSession(ctx, SessionStart{
		SessionID:  msg.SessionID,
		Mode:       msg.Mode,
		SampleRate: msg.SampleRate,
		Channels:   msg.Channels,
		Encoding:   enc,
	})
	if err != nil {
		return err
	}

	c.id = id
	c.sampleRate = msg.SampleRate
	if c.sampleRate <= 0 {
		c.sampleRate = c.srv.target.SampleRate
	}
	c.channels = msg.Channels
	if c.channels <= 0 {
		c.channels = c.srv.target.Channels
	}
	c.encoding = enc
	c.normalizers = make(map[string]*audio.Normalizer)

	c.log = c.log.With("session_id", id)
	c.log.Info("session started",
		"mode", msg.Mode,
		"sample_rate", c.sampleRate,
		"channels", c.channels,
		"encoding", string(enc),
	)
	c.reply(ctx, message{Type: "session.started", SessionID: id})
	return nil
}

func (c *session) handleAudio(ctx context.Context, msg message) {
	if err := c.requireSession(); err != nil {
		c.reply(ctx, message{Type: "error", Message: err.Error()})
		return
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.reply(ctx, message{Type: "error", Message: "audio payload is not valid base64"})
		return
	}
	c.ingest(msg.StreamID, payload, msg.TimestampMs)
}

// handleBinaryAudio is the compact path: a binary frame is the raw payload
// for the session's mixed stream, in the session's declared encoding.
func (c *session) handleBinaryAudio(payload []byte) {
	if c.id == "" {
		return
	}
	c.ingest("", payload, 0)
}

func (c *session) ingest(streamID string, payload []byte, timestampMs int64) {
	pcm, err := audio.DecodePCM16(c.encoding, payload)
	if err != nil {
		c.log.Warn("audio decode failed", "stream_id", streamID, "error", err)
		return
	}

	capturedAt := time.Now()
	if timestampMs > 0 {
		capturedAt = time.UnixMilli(timestampMs)
	}

	n, ok := c.normalizers[streamID]
	if !ok {
		n = &audio.Normalizer{Target: c.srv.target}
		c.normalizers[streamID] = n
	}
	frame := n.Normalize(audio.Frame{
		StreamID:   streamID,
		Data:       pcm,
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		CapturedAt: capturedAt,
	})
	if len(frame.Data) == 0 {
		return
	}

	if err := c.srv.controller.IngestFrame(c.id, frame); err != nil {
		c.log.Warn("frame rejected", "stream_id", streamID, "error", err)
	}
}

func (c *session) requireSession() error {
	if c.id == "" {
		return fmt.Errorf("no session started")
	}
	return nil
}

func (c *session) reply(ctx context.Context, msg message) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.log.Debug("reply write failed", "type", msg.Type, "error", err)
	}
}
