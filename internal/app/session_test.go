package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/virelia/sonoflux/internal/app"
	"github.com/virelia/sonoflux/internal/config"
	"github.com/virelia/sonoflux/internal/engine"
	"github.com/virelia/sonoflux/internal/ingest"
	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/pkg/audio"
	"github.com/virelia/sonoflux/pkg/classifier"
	"github.com/virelia/sonoflux/pkg/classifier/mock"
)

const testRate = 16000

// fastEngineConfig keeps every engine timeout short enough for tests.
func fastEngineConfig() engine.Config {
	return engine.Config{
		SampleRate:      testRate,
		PacketSamples:   160,
		MaxOutstanding:  8,
		VerdictTimeout:  100 * time.Millisecond,
		TargetSamples:   480,
		OverflowSamples: 960,
		MinSamples:      320,
		SilenceTimeout:  50 * time.Millisecond,
		ReorderTimeout:  200 * time.Millisecond,
		SweepInterval:   5 * time.Millisecond,
	}
}

// speechScript marks every packet as speech.
func speechScript(req classifier.PacketRequest) (classifier.Verdict, bool) {
	return classifier.Verdict{
		StreamID:      req.StreamID,
		CorrelationID: req.CorrelationID,
		Speech:        true,
		Confidence:    0.9,
	}, true
}

// echoScript transcribes every segment as "segment <stream>".
func echoScript(req classifier.SegmentRequest) (classifier.Result, bool) {
	return classifier.Result{
		StreamID:      req.StreamID,
		CorrelationID: req.CorrelationID,
		Text:          "segment " + req.StreamID,
		SpeakerID:     req.SpeakerID,
		Confidence:    0.8,
	}, true
}

func pcmFrame(streamID string, samples int) audio.Frame {
	return audio.Frame{
		StreamID:   streamID,
		Data:       make([]byte, audio.SampleBytes(samples)),
		SampleRate: testRate,
		Channels:   1,
		CapturedAt: time.Now(),
	}
}

// recordingArchiver captures archived segments.
type recordingArchiver struct {
	mu       sync.Mutex
	sessions []string
	segments []transcript.Segment
}

func (r *recordingArchiver) WriteSegment(_ context.Context, sessionID string, seg transcript.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.segments = append(r.segments, seg)
	return nil
}

func (r *recordingArchiver) snapshot() ([]string, []transcript.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...), append([]transcript.Segment(nil), r.segments...)
}

type managerFixture struct {
	sm  *app.SessionManager
	eng *engine.Engine
	vad *mock.VAD
	rec *mock.Recognizer
	dir string
}

func newManagerFixture(t *testing.T, mode config.StreamMode, arch app.SegmentArchiver) *managerFixture {
	t.Helper()

	vad := mock.NewVAD(64)
	vad.Script = speechScript
	rec := mock.NewRecognizer(64)
	rec.Script = echoScript

	eng := engine.New(fastEngineConfig(), vad, rec)
	t.Cleanup(func() { eng.Close() })

	dir := t.TempDir()
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Mode:         mode,
		Transcript:   config.TranscriptConfig{OutputDir: dir, Formats: []config.TranscriptFormat{config.FormatText}},
		SampleRate:   testRate,
		DrainTimeout: 100 * time.Millisecond,
	}, eng, arch, nil)

	// Route the engine's output into the session sinks, the way the app's
	// consumer loop does.
	go func() {
		for seg := range eng.Segments() {
			sm.DeliverSegment(context.Background(), seg)
		}
	}()

	return &managerFixture{sm: sm, eng: eng, vad: vad, rec: rec, dir: dir}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionManager_StartMintsSessionID(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("", ""))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id == "" {
		t.Fatal("minted session id is empty")
	}
	if got := fx.sm.ActiveSession(); got != id {
		t.Fatalf("ActiveSession() = %q, want %q", got, id)
	}

	if _, err := fx.sm.StartSession(ctx, ingestStart("second", "")); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("second start err = %v, want ErrSessionActive", err)
	}
}

func TestSessionManager_MixedModeOwnsSentinelStream(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("meet-1", "mixed"))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if !containsStream(fx.eng.Streams(), engine.MixedStreamID) {
		t.Fatalf("streams = %v, want mixed sentinel", fx.eng.Streams())
	}

	// Empty stream id routes to the sentinel.
	if err := fx.sm.IngestFrame(id, pcmFrame("", 160)); err != nil {
		t.Fatalf("IngestFrame: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(fx.vad.Calls()) == 1 }, "packet never reached the detector")
	if got := fx.vad.Calls()[0].StreamID; got != engine.MixedStreamID {
		t.Fatalf("packet stream = %q, want sentinel", got)
	}

	if err := fx.sm.IngestFrame(id, pcmFrame("alice", 160)); err == nil {
		t.Fatal("frame for an unjoined stream was accepted")
	}
}

func TestSessionManager_IndividualParticipantLifecycle(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("sess-1", ""))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := fx.sm.IngestFrame(id, pcmFrame("alice", 160)); err == nil {
		t.Fatal("frame before join was accepted")
	}

	if err := fx.sm.AddParticipant(ctx, id, "alice", "Alice"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if !containsStream(fx.eng.Streams(), "alice") {
		t.Fatalf("streams = %v, want alice", fx.eng.Streams())
	}
	if err := fx.sm.IngestFrame(id, pcmFrame("alice", 160)); err != nil {
		t.Fatalf("IngestFrame after join: %v", err)
	}

	if err := fx.sm.RemoveParticipant(ctx, id, "alice"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if containsStream(fx.eng.Streams(), "alice") {
		t.Fatal("stream still live after leave")
	}
	if err := fx.sm.RemoveParticipant(ctx, id, "alice"); err == nil {
		t.Fatal("second leave for the same stream succeeded")
	}
}

func TestSessionManager_TranscriptAndArchiveOnStop(t *testing.T) {
	arch := &recordingArchiver{}
	fx := newManagerFixture(t, config.ModeIndividual, arch)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("sess-2", ""))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := fx.sm.AddParticipant(ctx, id, "alice", "Alice"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	// One target-sized utterance.
	if err := fx.sm.IngestFrame(id, pcmFrame("alice", 480)); err != nil {
		t.Fatalf("IngestFrame: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		sessions, _ := arch.snapshot()
		return len(sessions) >= 1
	}, "segment never reached the archive")

	sessions, segments := arch.snapshot()
	if sessions[0] != id {
		t.Errorf("archived session = %q, want %q", sessions[0], id)
	}
	if segments[0].Text != "segment alice" {
		t.Errorf("archived text = %q, want %q", segments[0].Text, "segment alice")
	}

	if err := fx.sm.StopSession(ctx, id); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	// The drain window must pass before the transcript file is final.
	path := filepath.Join(fx.dir, id+".txt")
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "segment alice")
	}, "transcript file missing the segment")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "Alice:") {
		t.Errorf("transcript %q missing the display name", string(data))
	}
}

func TestSessionManager_StartRejectedWhileDraining(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("sess-3", ""))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := fx.sm.StopSession(ctx, id); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if _, err := fx.sm.StartSession(ctx, ingestStart("sess-4", "")); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("start while draining err = %v, want ErrSessionActive", err)
	}

	// Once the drain window closes a new session may begin.
	waitFor(t, 2*time.Second, func() bool {
		_, err := fx.sm.StartSession(ctx, ingestStart("sess-4", ""))
		return err == nil
	}, "start still rejected after drain")
}

func TestSessionManager_StopUnknownSession(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	if err := fx.sm.StopSession(context.Background(), "ghost"); !errors.Is(err, app.ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_ShutdownClosesSinks(t *testing.T) {
	fx := newManagerFixture(t, config.ModeIndividual, nil)
	ctx := context.Background()

	id, err := fx.sm.StartSession(ctx, ingestStart("sess-5", ""))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	fx.sm.Shutdown(shutdownCtx)

	if got := fx.sm.ActiveSession(); got != "" {
		t.Fatalf("ActiveSession() = %q after shutdown, want empty", got)
	}
	if _, err := os.Stat(filepath.Join(fx.dir, id+".txt")); err != nil {
		t.Fatalf("transcript file missing after shutdown: %v", err)
	}
}

func containsStream(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func ingestStart(id, mode string) ingest.SessionStart {
	return ingest.SessionStart{SessionID: id, Mode: mode, SampleRate: testRate, Channels: 1}
}
