package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Output formats accepted by WriterConfig.Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatSRT  = "srt"
)

// placeholder rendered for segments whose recognition reply was lost.
const gapText = "[inaudible]"

// WriterConfig configures one session's transcript files.
type WriterConfig struct {
	// OutputDir is created if missing. One file per format is written under
	// it, named after the session id.
	OutputDir string

	// Formats selects the output renditions. Empty means FormatText only.
	Formats []string

	// SpeakerNames maps stream ids to display names. Unmapped segments fall
	// back to their speaker label, then to "unknown".
	SpeakerNames map[string]string
}

// Writer renders one session's ordered segments into transcript files, one
// file per configured format. Segments must arrive in release order per
// stream; the writer interleaves streams in arrival order. Safe for
// concurrent use.
type Writer struct {
	cfg       WriterConfig
	sessionID string

	mu       sync.Mutex
	files    map[string]*os.File
	srtIndex int
	stats    Stats
	closed   bool
}

// NewWriter creates the output directory and the per-format transcript files
// for one session.
func NewWriter(sessionID string, cfg WriterConfig) (*Writer, error) {
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = []string{FormatText}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create output dir: %w", err)
	}

	w := &Writer{
		cfg:       cfg,
		sessionID: sessionID,
		files:     make(map[string]*os.File, len(formats)),
		stats:     newStats(),
	}

	for _, format := range formats {
		ext, ok := formatExt(format)
		if !ok {
			w.closeFiles()
			return nil, fmt.Errorf("transcript: unknown format %q", format)
		}
		if _, dup := w.files[format]; dup {
			continue
		}
		name := filepath.Join(cfg.OutputDir, sessionID+ext)
		f, err := os.Create(name)
		if err != nil {
			w.closeFiles()
			return nil, fmt.Errorf("transcript: create %s: %w", name, err)
		}
		w.files[format] = f
	}
	return w, nil
}

// Write renders one segment into every configured format.
func (w *Writer) Write(seg Segment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("transcript: writer closed")
	}

	speaker := w.displayName(seg)
	w.stats.record(seg, speaker)

	for format, f := range w.files {
		var err error
		switch format {
		case FormatText:
			err = w.writeText(f, seg, speaker)
		case FormatJSON:
			err = w.writeJSON(f, seg, speaker)
		case FormatSRT:
			err = w.writeSRT(f, seg, speaker)
		}
		if err != nil {
			return fmt.Errorf("transcript: write %s: %w", format, err)
		}
	}
	return nil
}

// SetSpeakerName maps a stream id to a display name for segments written
// from now on. Used when participants announce themselves mid-session.
func (w *Writer) SetSpeakerName(streamID, name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make(map[string]string, len(w.cfg.SpeakerNames)+1)
	for k, v := range w.cfg.SpeakerNames {
		names[k] = v
	}
	names[streamID] = name
	w.cfg.SpeakerNames = names
}

// Stats returns a snapshot of the session statistics so far.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.clone()
}

// Close flushes and closes every transcript file. Safe to call more than
// once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFiles()
}

func (w *Writer) closeFiles() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Writer) displayName(seg Segment) string {
	if name, ok := w.cfg.SpeakerNames[seg.StreamID]; ok {
		return name
	}
	if seg.SpeakerID != "" {
		return seg.SpeakerID
	}
	return "unknown"
}

func (w *Writer) writeText(f *os.File, seg Segment, speaker string) error {
	text := seg.Text
	if seg.GapMarker {
		text = gapText
	}
	_, err := fmt.Fprintf(f, "[%s] %s: %s\n", clockOffset(seg.Start), speaker, text)
	return err
}

// jsonSegment is the JSON-lines rendition of one segment.
type jsonSegment struct {
	SessionID  string  `json:"session_id"`
	StreamID   string  `json:"stream_id"`
	Speaker    string  `json:"speaker"`
	Seq        uint64  `json:"seq"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Gap        bool    `json:"gap,omitempty"`
	EmittedAt  string  `json:"emitted_at"`
}

func (w *Writer) writeJSON(f *os.File, seg Segment, speaker string) error {
	data, err := sonic.Marshal(jsonSegment{
		SessionID:  w.sessionID,
		StreamID:   seg.StreamID,
		Speaker:    speaker,
		Seq:        seg.Seq,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		StartMs:    seg.Start.Milliseconds(),
		EndMs:      seg.End.Milliseconds(),
		Gap:        seg.GapMarker,
		EmittedAt:  seg.EmittedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (w *Writer) writeSRT(f *os.File, seg Segment, speaker string) error {
	w.srtIndex++
	text := seg.Text
	if seg.GapMarker {
		text = gapText
	}
	_, err := fmt.Fprintf(f, "%d\n%s --> %s\n%s: %s\n\n",
		w.srtIndex, srtTimestamp(seg.Start), srtTimestamp(seg.End), speaker, text)
	return err
}

func formatExt(format string) (string, bool) {
	switch format {
	case FormatText:
		return ".txt", true
	case FormatJSON:
		return ".jsonl", true
	case FormatSRT:
		return ".srt", true
	}
	return "", false
}

// clockOffset renders a stream offset as HH:MM:SS.mmm.
func clockOffset(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// srtTimestamp renders a stream offset in SubRip form, HH:MM:SS,mmm.
func srtTimestamp(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
