// Package recorder captures the speech audio a session produced. Every
// dispatched segment's PCM is appended to a per-stream WAV file, so what was
// sent to recognition can be replayed afterwards.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/virelia/sonoflux/pkg/audio"
)

// wavFile is one stream's recording. The 44-byte header is written first and
// patched with the final sizes on close.
type wavFile struct {
	f         *os.File
	dataBytes int
}

// Recorder writes each stream's dispatched speech segments into its own WAV
// file under the session directory. It is wired into the engine as the
// segment observer and is safe for concurrent use.
type Recorder struct {
	dir        string
	sessionID  string
	sampleRate int
	log        *slog.Logger

	mu     sync.Mutex
	files  map[string]*wavFile
	closed bool
}

// New creates the output directory and an empty Recorder for one session.
func New(sessionID, dir string, sampleRate int, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create output dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		dir:        dir,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		log:        log.With("session_id", sessionID),
		files:      make(map[string]*wavFile),
	}, nil
}

// Observe appends one segment's PCM to the stream's recording, creating the
// file on first sight. Matches the engine's segment observer signature.
// Failures are logged, never surfaced — recording must not disturb the
// transcription path.
func (r *Recorder) Observe(streamID string, pcm []byte, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	w, ok := r.files[streamID]
	if !ok {
		var err error
		w, err = r.create(streamID)
		if err != nil {
			r.log.Error("recording file creation failed", "stream_id", streamID, "error", err)
			return
		}
		r.files[streamID] = w
	}

	n, err := w.f.Write(pcm)
	w.dataBytes += n
	if err != nil {
		r.log.Error("recording write failed", "stream_id", streamID, "error", err)
	}
}

// Close patches every recording's WAV header with the final data size and
// closes the files. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for streamID, w := range r.files {
		if err := finishWAV(w); err != nil {
			r.log.Error("recording finalization failed", "stream_id", streamID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("recorder: finalize %s: %w", streamID, err)
			}
			continue
		}
		r.log.Info("recording written",
			"stream_id", streamID,
			"bytes", w.dataBytes,
			"duration", time.Duration(w.dataBytes/2)*time.Second/time.Duration(r.sampleRate),
		)
	}
	return firstErr
}

// create opens the stream's WAV file and writes the provisional header.
func (r *Recorder) create(streamID string) (*wavFile, error) {
	name := filepath.Join(r.dir, r.sessionID+"-"+safeName(streamID)+".wav")
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	// Header with zero data size; patched on close.
	if _, err := f.Write(audio.EncodeWAV(nil, r.sampleRate, 1)); err != nil {
		f.Close()
		return nil, err
	}
	return &wavFile{f: f}, nil
}

func finishWAV(w *wavFile) error {
	header := make([]byte, 44)
	if _, err := w.f.ReadAt(header, 0); err != nil {
		w.f.Close()
		return err
	}
	audio.UpdateWAVSizes(header, w.dataBytes)
	if _, err := w.f.WriteAt(header, 0); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// safeName keeps stream ids usable as file name components.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}
