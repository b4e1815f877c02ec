package vadws

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/virelia/sonoflux/pkg/classifier"
)

// ---- wire format tests ----

func TestEncodePacket_Fields(t *testing.T) {
	req := classifier.PacketRequest{
		StreamID:      "s1",
		CorrelationID: 42,
		Audio:         []byte{0x10, 0x20, 0x30},
		SampleRate:    16000,
	}

	data, err := encodePacket(req)
	if err != nil {
		t.Fatalf("encodePacket: %v", err)
	}

	var msg packetMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Type != "packet" {
		t.Errorf("type = %q; want %q", msg.Type, "packet")
	}
	if msg.StreamID != "s1" {
		t.Errorf("stream_id = %q; want %q", msg.StreamID, "s1")
	}
	if msg.CorrelationID != 42 {
		t.Errorf("correlation_id = %d; want 42", msg.CorrelationID)
	}
	if msg.SampleRate != 16000 {
		t.Errorf("sample_rate = %d; want 16000", msg.SampleRate)
	}
	if want := base64.StdEncoding.EncodeToString(req.Audio); msg.Audio != want {
		t.Errorf("audio = %q; want %q", msg.Audio, want)
	}
}

func TestParseVerdict_Valid(t *testing.T) {
	raw := []byte(`{"type":"verdict","stream_id":"s1","correlation_id":7,"speech":true,"confidence":0.93}`)

	v, ok := parseVerdict(raw)
	if !ok {
		t.Fatal("expected ok=true for valid verdict message")
	}
	if v.StreamID != "s1" {
		t.Errorf("StreamID = %q; want %q", v.StreamID, "s1")
	}
	if v.CorrelationID != 7 {
		t.Errorf("CorrelationID = %d; want 7", v.CorrelationID)
	}
	if !v.Speech {
		t.Error("Speech = false; want true")
	}
	if v.Confidence != 0.93 {
		t.Errorf("Confidence = %f; want 0.93", v.Confidence)
	}
}

func TestParseVerdict_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","ts":12345}`)
	if _, ok := parseVerdict(raw); ok {
		t.Error("expected ok=false for non-verdict message")
	}
}

func TestParseVerdict_InvalidJSON(t *testing.T) {
	if _, ok := parseVerdict([]byte(`{invalid`)); ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- live connection tests ----

// newEchoServer starts a websocket server that answers every packet message
// with a speech verdict echoing the packet's identifiers. It increments
// *conns on each accepted connection. When dropFirst is true the first
// connection is closed immediately after accept.
func newEchoServer(t *testing.T, conns *atomic.Int32, dropFirst bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if dropFirst && n == 1 {
			conn.Close(websocket.StatusGoingAway, "dropping first connection")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg packetMessage
			if err := sonic.Unmarshal(data, &msg); err != nil {
				continue
			}
			reply, _ := sonic.Marshal(verdictMessage{
				Type:          "verdict",
				StreamID:      msg.StreamID,
				CorrelationID: msg.CorrelationID,
				Speech:        true,
				Confidence:    0.8,
			})
			if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_EmptyEndpoint_ReturnsError(t *testing.T) {
	_, err := Dial(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty endpoint, got nil")
	}
}

func TestDial_UnreachableEndpoint_ReturnsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error for unreachable endpoint, got nil")
	}
}

func TestRoundTrip_VerdictDelivered(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, false)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	req := classifier.PacketRequest{
		StreamID:      "s1",
		CorrelationID: 3,
		Audio:         make([]byte, 3200),
		SampleRate:    16000,
	}
	if err := c.SubmitPacket(context.Background(), req); err != nil {
		t.Fatalf("SubmitPacket: %v", err)
	}

	select {
	case v := <-c.Verdicts():
		if v.StreamID != "s1" || v.CorrelationID != 3 {
			t.Errorf("verdict = %+v; want stream s1, correlation 3", v)
		}
		if !v.Speech {
			t.Error("Speech = false; want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verdict")
	}
}

func TestDial_SendsBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), WithToken("secret"), WithMaxRetries(1))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := gotAuth.Load(); got != "Bearer secret" {
		t.Errorf("Authorization = %v; want %q", got, "Bearer secret")
	}
}

func TestReconnect_AfterConnectionDrop(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, true)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// Packets submitted while the first connection dies may be lost; keep
	// submitting until a verdict proves the second connection works.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var next uint64
	for {
		select {
		case v := <-c.Verdicts():
			if v.StreamID != "s1" {
				t.Errorf("verdict StreamID = %q; want %q", v.StreamID, "s1")
			}
			if got := conns.Load(); got < 2 {
				t.Errorf("connection count = %d; want at least 2", got)
			}
			return
		case <-ticker.C:
			next++
			_ = c.SubmitPacket(context.Background(), classifier.PacketRequest{
				StreamID:      "s1",
				CorrelationID: next,
				SampleRate:    16000,
			})
		case <-deadline:
			t.Fatal("timed out waiting for verdict after reconnect")
		}
	}
}

// ---- close ----

func TestSubmitPacket_AfterClose_ReturnsError(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, false)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()

	err = c.SubmitPacket(context.Background(), classifier.PacketRequest{StreamID: "s1"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("SubmitPacket after Close = %v; want ErrClosed", err)
	}
}

func TestSubmitPacket_FullQueue_ReturnsErrQueueFull(t *testing.T) {
	// No write loop running, so the queue never drains.
	c := &Client{
		queue: make(chan classifier.PacketRequest, 1),
		done:  make(chan struct{}),
	}

	if err := c.SubmitPacket(context.Background(), classifier.PacketRequest{CorrelationID: 1}); err != nil {
		t.Fatalf("SubmitPacket: %v", err)
	}
	err := c.SubmitPacket(context.Background(), classifier.PacketRequest{CorrelationID: 2})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("SubmitPacket on full queue = %v; want ErrQueueFull", err)
	}
}

func TestClose_ClosesVerdictsChannel(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, false)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()

	select {
	case _, open := <-c.Verdicts():
		if open {
			t.Error("Verdicts channel should be closed after Close()")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Verdicts channel to close")
	}
}

func TestClose_Idempotent(t *testing.T) {
	var conns atomic.Int32
	srv := newEchoServer(t, &conns, false)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}
