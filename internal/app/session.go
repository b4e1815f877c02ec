package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virelia/sonoflux/internal/config"
	"github.com/virelia/sonoflux/internal/engine"
	"github.com/virelia/sonoflux/internal/ingest"
	"github.com/virelia/sonoflux/internal/recorder"
	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/pkg/audio"
)

// ErrSessionActive is returned by StartSession while another session holds
// the engine, including one still draining its recognition tail.
var ErrSessionActive = errors.New("app: a session is already active")

// ErrNoSession is returned by session operations when no session matches.
var ErrNoSession = errors.New("app: no such session")

// SegmentArchiver persists finalized segments. *archive.Store implements it;
// a nil archiver disables persistence.
type SegmentArchiver interface {
	WriteSegment(ctx context.Context, sessionID string, seg transcript.Segment) error
}

// SessionManagerConfig carries the session-scoped knobs out of the full
// config.
type SessionManagerConfig struct {
	// Mode is the default stream layout for sessions that do not pick one.
	Mode config.StreamMode

	// Transcript configures the per-session writer.
	Transcript config.TranscriptConfig

	// RecorderDir enables per-stream WAV capture when non-empty paired with
	// RecorderEnabled.
	RecorderEnabled bool
	RecorderDir     string

	// SampleRate is the engine-side audio rate, used for WAV headers.
	SampleRate int

	// DrainTimeout is how long a stopped session lingers so recognition
	// replies already in flight can still reach its sinks. The engine
	// guarantees every dispatched segment is released (as text or as a gap
	// marker) within its reorder timeout, so that is the natural value.
	DrainTimeout time.Duration
}

// SessionManager owns session lifecycle: it maps ingestion control messages
// onto engine stream operations and wires each session's transcript writer,
// WAV recorder and archive sink. One session is live at a time; the engine's
// mixed-stream sentinel is a singleton, and transcript files are per session.
type SessionManager struct {
	cfg     SessionManagerConfig
	eng     *engine.Engine
	archive SegmentArchiver
	log     *slog.Logger

	mu       sync.Mutex
	active   *session
	draining map[string]*session
}

// session is the book-keeping for one live or draining session.
type session struct {
	id   string
	mode config.StreamMode

	mu      sync.Mutex
	streams map[string]string // stream id -> speaker name
	writer  *transcript.Writer
	rec     *recorder.Recorder // nil when capture is disabled
	closed  bool
}

var _ ingest.Controller = (*SessionManager)(nil)

// NewSessionManager wires a manager over the shared engine. The archiver may
// be nil.
func NewSessionManager(cfg SessionManagerConfig, eng *engine.Engine, arch SegmentArchiver, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if !cfg.Mode.IsValid() {
		cfg.Mode = config.ModeIndividual
	}
	return &SessionManager{
		cfg:      cfg,
		eng:      eng,
		archive:  arch,
		log:      log,
		draining: make(map[string]*session),
	}
}

// StartSession begins a session, minting a uuid when the caller did not name
// one. Mixed-mode sessions acquire the engine's sentinel stream immediately;
// individual-mode sessions acquire streams as participants join.
func (sm *SessionManager) StartSession(ctx context.Context, start ingest.SessionStart) (string, error) {
	mode := sm.cfg.Mode
	if start.Mode != "" {
		mode = config.StreamMode(start.Mode)
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("app: unknown stream mode %q", start.Mode)
	}

	id := start.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != nil || len(sm.draining) > 0 {
		return "", ErrSessionActive
	}

	writer, err := transcript.NewWriter(id, transcript.WriterConfig{
		OutputDir:    sm.cfg.Transcript.OutputDir,
		Formats:      transcriptFormats(sm.cfg.Transcript.Formats),
		SpeakerNames: sm.cfg.Transcript.SpeakerNames,
	})
	if err != nil {
		return "", err
	}

	var rec *recorder.Recorder
	if sm.cfg.RecorderEnabled {
		rec, err = recorder.New(id, sm.cfg.RecorderDir, sm.cfg.SampleRate, sm.log)
		if err != nil {
			writer.Close()
			return "", err
		}
	}

	s := &session{
		id:      id,
		mode:    mode,
		streams: make(map[string]string),
		writer:  writer,
		rec:     rec,
	}
	if mode == config.ModeMixed {
		if err := sm.eng.Acquire(engine.MixedStreamID); err != nil {
			s.close(sm.log)
			return "", err
		}
		s.streams[engine.MixedStreamID] = ""
	}
	sm.active = s

	sm.log.Info("session started",
		"session_id", id,
		"mode", string(mode),
		"recording", rec != nil)
	return id, nil
}

// AddParticipant registers a participant stream. Individual-mode sessions
// acquire an engine stream for it; mixed-mode sessions only pick up the
// display name, because all audio shares the sentinel stream.
func (sm *SessionManager) AddParticipant(ctx context.Context, sessionID, streamID, speakerName string) error {
	s, err := sm.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoSession
	}
	if s.mode == config.ModeIndividual {
		if err := sm.eng.Acquire(streamID); err != nil {
			return err
		}
		s.streams[streamID] = speakerName
	}
	s.writer.SetSpeakerName(streamID, speakerName)

	sm.log.Info("participant joined",
		"session_id", sessionID,
		"stream_id", streamID,
		"speaker", speakerName)
	return nil
}

// RemoveParticipant flushes and releases the participant's stream. Mixed-mode
// sessions keep their sentinel stream until the session stops.
func (sm *SessionManager) RemoveParticipant(ctx context.Context, sessionID, streamID string) error {
	s, err := sm.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, known := s.streams[streamID]
	if known && s.mode == config.ModeIndividual {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()

	if s.mode != config.ModeIndividual {
		return nil
	}
	if !known {
		return fmt.Errorf("app: unknown stream %q", streamID)
	}

	if err := sm.eng.Flush(ctx, streamID); err != nil {
		sm.log.Warn("flush on leave failed", "stream_id", streamID, "err", err)
	}
	sm.eng.Release(streamID)

	sm.log.Info("participant left", "session_id", sessionID, "stream_id", streamID)
	return nil
}

// IngestFrame routes one normalized frame into the engine. An empty stream
// id means the session's mixed stream.
func (sm *SessionManager) IngestFrame(sessionID string, frame audio.Frame) error {
	s, err := sm.lookup(sessionID)
	if err != nil {
		return err
	}

	if frame.StreamID == "" {
		frame.StreamID = engine.MixedStreamID
	}

	s.mu.Lock()
	_, known := s.streams[frame.StreamID]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("app: unknown stream %q", frame.StreamID)
	}
	return sm.eng.Ingest(frame)
}

// StopSession flushes every stream so trailing speech reaches the
// recognizer, releases them, and parks the session in a draining state until
// the in-flight recognition replies have had their chance to land. Sinks
// close when draining ends.
func (sm *SessionManager) StopSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	if sm.active == nil || sm.active.id != sessionID {
		sm.mu.Unlock()
		return ErrNoSession
	}
	s := sm.active
	sm.active = nil
	sm.draining[s.id] = s
	sm.mu.Unlock()

	sm.releaseStreams(ctx, s)

	time.AfterFunc(sm.cfg.DrainTimeout, func() {
		sm.finishDrain(s)
	})

	sm.log.Info("session stopping", "session_id", sessionID, "drain", sm.cfg.DrainTimeout)
	return nil
}

// Shutdown stops the active session, waits out the drain window (bounded by
// ctx) so the recognition tail is written, and closes every sink. Call after
// ingestion has stopped and before the engine closes.
func (sm *SessionManager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	s := sm.active
	sm.active = nil
	if s != nil {
		sm.draining[s.id] = s
	}
	waiting := len(sm.draining) > 0
	sm.mu.Unlock()

	if s != nil {
		sm.releaseStreams(ctx, s)
	}
	if waiting {
		select {
		case <-time.After(sm.cfg.DrainTimeout):
		case <-ctx.Done():
		}
	}

	sm.mu.Lock()
	drained := make([]*session, 0, len(sm.draining))
	for _, d := range sm.draining {
		drained = append(drained, d)
	}
	sm.draining = make(map[string]*session)
	sm.mu.Unlock()

	for _, d := range drained {
		d.close(sm.log)
		sm.logStats(d)
	}
}

// DeliverSegment hands one corrected segment to the owning session's sinks.
// Segments for no live session, which can happen briefly after a drain
// window closes, are dropped with a diagnostic.
func (sm *SessionManager) DeliverSegment(ctx context.Context, seg transcript.Segment) {
	s := sm.owner(seg.StreamID)
	if s == nil {
		sm.log.Debug("segment for unknown session dropped", "stream_id", seg.StreamID, "seq", seg.Seq)
		return
	}

	if err := s.write(seg); err != nil {
		sm.log.Warn("transcript write failed",
			"session_id", s.id,
			"stream_id", seg.StreamID,
			"err", err)
	}
	if sm.archive != nil {
		if err := sm.archive.WriteSegment(ctx, s.id, seg); err != nil {
			sm.log.Warn("archive write failed",
				"session_id", s.id,
				"seq", seg.Seq,
				"err", err)
		}
	}
}

// ObserveAudio forwards dispatched segment audio to the active session's WAV
// recorder. Matches the engine's SegmentObserver shape.
func (sm *SessionManager) ObserveAudio(streamID string, pcm []byte, start time.Duration) {
	s := sm.owner(streamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	rec := s.rec
	closed := s.closed
	s.mu.Unlock()
	if rec != nil && !closed {
		rec.Observe(streamID, pcm, start)
	}
}

// ActiveSession returns the live session id, or "" when idle.
func (sm *SessionManager) ActiveSession() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return ""
	}
	return sm.active.id
}

// lookup finds the live session by id; draining sessions no longer accept
// control messages or frames.
func (sm *SessionManager) lookup(sessionID string) (*session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil || sm.active.id != sessionID {
		return nil, ErrNoSession
	}
	return sm.active, nil
}

// owner finds the session, live or draining, that carries streamID.
func (sm *SessionManager) owner(streamID string) *session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != nil && sm.active.owns(streamID) {
		return sm.active
	}
	for _, d := range sm.draining {
		if d.owns(streamID) {
			return d
		}
	}
	return nil
}

// releaseStreams flushes then releases every engine stream the session holds.
func (sm *SessionManager) releaseStreams(ctx context.Context, s *session) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := sm.eng.Flush(ctx, id); err != nil {
			sm.log.Warn("flush on stop failed", "stream_id", id, "err", err)
		}
		sm.eng.Release(id)
	}
}

// finishDrain closes the session's sinks once its drain window has passed.
func (sm *SessionManager) finishDrain(s *session) {
	sm.mu.Lock()
	if _, ok := sm.draining[s.id]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.draining, s.id)
	sm.mu.Unlock()

	s.close(sm.log)
	sm.logStats(s)
}

func (sm *SessionManager) logStats(s *session) {
	stats := s.writer.Stats()
	sm.log.Info("session finished",
		"session_id", s.id,
		"segments", stats.Segments,
		"words", stats.Words,
		"gaps", stats.Gaps)
}

func (s *session) owns(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamID]; ok {
		return true
	}
	// Individual-mode streams are removed from the map when a participant
	// leaves, but their recognition tail may still be in flight.
	return s.mode == config.ModeIndividual && !s.closed
}

func (s *session) write(seg transcript.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("app: session %s closed", s.id)
	}
	return s.writer.Write(seg)
}

func (s *session) close(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.writer.Close(); err != nil {
		log.Warn("transcript close failed", "session_id", s.id, "err", err)
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			log.Warn("recorder close failed", "session_id", s.id, "err", err)
		}
	}
}

func transcriptFormats(formats []config.TranscriptFormat) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		out = append(out, string(f))
	}
	return out
}
