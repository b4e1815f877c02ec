// Package app wires the subsystems into a running service: classifier
// gateways behind circuit breakers, the buffering engine, the session
// manager, transcript post-processing and the HTTP surface (ingest
// websocket, health, metrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/virelia/sonoflux/internal/archive"
	"github.com/virelia/sonoflux/internal/config"
	"github.com/virelia/sonoflux/internal/engine"
	"github.com/virelia/sonoflux/internal/health"
	"github.com/virelia/sonoflux/internal/ingest"
	"github.com/virelia/sonoflux/internal/observe"
	"github.com/virelia/sonoflux/internal/resilience"
	"github.com/virelia/sonoflux/internal/transcript"
	"github.com/virelia/sonoflux/internal/transcript/phonetic"
	"github.com/virelia/sonoflux/pkg/audio"
	"github.com/virelia/sonoflux/pkg/classifier"
)

// App is the assembled service. Build one with [New], drive it with [Run]
// and tear it down with [Shutdown].
type App struct {
	cfg *config.Config
	log *slog.Logger

	vad       classifier.VADGateway
	recog     classifier.RecognitionGateway
	corrector *transcript.Corrector
	convCtx   *transcript.Context
	store     *archive.Store
	archiver  SegmentArchiver
	metrics   *observe.Metrics

	eng      *engine.Engine
	sessions *SessionManager
	httpSrv  *http.Server

	stopOnce     sync.Once
	consumerDone chan struct{}
}

// Option injects a dependency, mainly so tests can substitute doubles for
// the remote classifiers and the archive.
type Option func(*App)

// WithVADGateway bypasses the registry for the voice-activity gateway. The
// gateway is still wrapped in a circuit breaker.
func WithVADGateway(gw classifier.VADGateway) Option {
	return func(a *App) { a.vad = gw }
}

// WithRecognitionGateway bypasses the registry for the recognition gateway.
func WithRecognitionGateway(gw classifier.RecognitionGateway) Option {
	return func(a *App) { a.recog = gw }
}

// WithSegmentArchiver replaces the postgres archive sink.
func WithSegmentArchiver(s SegmentArchiver) Option {
	return func(a *App) { a.archiver = s }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New assembles the service from config. The registry supplies gateway
// factories for the configured drivers; main registers the real ones.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		log:          slog.Default(),
		consumerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Classifier gateways, breaker-wrapped ──────────────────────────
	if err := a.initGateways(ctx, registry); err != nil {
		return nil, err
	}

	// ── 2. Transcript post-processing ────────────────────────────────────
	a.initTranscript()

	// ── 3. Archive sink ──────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}

	// ── 4. Engine + session manager ──────────────────────────────────────
	a.initEngine()

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// The consumer lives for the engine, not for Run: it exits when Close
	// ends the segment channel.
	go a.consumeSegments()

	return a, nil
}

// initGateways builds the VAD and recognition clients and wraps both in
// circuit breakers sized from the resilience config.
func (a *App) initGateways(ctx context.Context, registry *config.Registry) error {
	if a.vad == nil {
		gw, err := registry.CreateVAD(ctx, a.cfg.VAD)
		if err != nil {
			return fmt.Errorf("app: create vad gateway: %w", err)
		}
		a.vad = gw
	}
	if a.recog == nil {
		gw, err := registry.CreateRecognition(ctx, a.cfg.Recognition)
		if err != nil {
			return fmt.Errorf("app: create recognition gateway: %w", err)
		}
		a.recog = gw
	}

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  a.cfg.Resilience.FailureThreshold,
		ResetTimeout: time.Duration(a.cfg.Resilience.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMax:  a.cfg.Resilience.HalfOpenMax,
	}
	a.vad = resilience.NewVAD(a.vad, breaker)
	a.recog = resilience.NewRecognizer(a.recog, breaker)
	return nil
}

// initTranscript sets up the glossary corrector and the shared conversation
// context that primes recognition requests.
func (a *App) initTranscript() {
	var opts []phonetic.Option
	if a.cfg.Glossary.MinSimilarity > 0 {
		opts = append(opts, phonetic.WithFuzzyThreshold(a.cfg.Glossary.MinSimilarity))
	}
	a.corrector = transcript.NewCorrector(a.cfg.Glossary.Terms, opts...)

	size := a.cfg.Transcript.ContextHistory
	if size <= 0 {
		size = transcript.DefaultHistorySize
	}
	a.convCtx = transcript.NewContext(a.cfg.Recognition.Prompt, size)
}

// initArchive connects the postgres sink when a DSN is configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil || a.cfg.Archive.PostgresDSN == "" {
		return nil
	}
	store, err := archive.NewStore(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: connect archive: %w", err)
	}
	a.store = store
	a.archiver = store
	return nil
}

// initEngine builds the engine and the session manager around it. The
// segment observer indirects through the session manager because recorders
// are per session while the engine lives for the process.
func (a *App) initEngine() {
	a.metrics = observe.DefaultMetrics()

	engCfg := engineConfig(a.cfg)
	a.eng = engine.New(engCfg, a.vad, a.recog,
		engine.WithLogger(a.log),
		engine.WithMetrics(a.metrics),
		engine.WithContextProvider(a.convCtx),
		engine.WithSegmentObserver(func(streamID string, pcm []byte, start time.Duration) {
			a.sessions.ObserveAudio(streamID, pcm, start)
		}),
	)

	var drain time.Duration
	if engCfg.ReorderTimeout > 0 {
		drain = engCfg.ReorderTimeout + engCfg.SweepInterval
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Mode:            a.cfg.Stream.Mode,
		Transcript:      a.cfg.Transcript,
		RecorderEnabled: a.cfg.Recorder.Enabled,
		RecorderDir:     a.cfg.Recorder.OutputDir,
		SampleRate:      a.cfg.Audio.SampleRate,
		DrainTimeout:    drain,
	}, a.eng, a.archiver, a.log)
}

// initHTTP assembles the mux: websocket ingestion, health endpoints and the
// Prometheus scrape handler, all behind the metrics middleware.
func (a *App) initHTTP() {
	var ingestOpts []ingest.Option
	if a.cfg.Server.AuthToken != "" {
		ingestOpts = append(ingestOpts, ingest.WithAuthToken(a.cfg.Server.AuthToken))
	}
	ingestOpts = append(ingestOpts,
		ingest.WithTargetFormat(audio.Format{
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   1,
		}),
		ingest.WithLogger(a.log),
	)

	mux := http.NewServeMux()
	mux.Handle("/ingest", ingest.NewServer(a.sessions, ingestOpts...))
	mux.Handle("/metrics", promhttp.Handler())
	health.New(a.healthCheckers()...).Register(mux)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthCheckers reports on the pieces that can go unhealthy at runtime: the
// archive connection and the two classifier breakers.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{
		breakerChecker("vad", a.vad.(*resilience.VAD).Breaker()),
		breakerChecker("recognition", a.recog.(*resilience.Recognizer).Breaker()),
	}
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "archive",
			Check: a.store.Ping,
		})
	}
	return checkers
}

func breakerChecker(name string, cb *resilience.CircuitBreaker) health.Checker {
	return health.Checker{
		Name: name + "_gateway",
		Check: func(context.Context) error {
			if state := cb.State(); state == resilience.StateOpen {
				return fmt.Errorf("circuit breaker %s", state)
			}
			return nil
		},
	}
}

// Run serves HTTP and consumes the engine's segment output until ctx is
// cancelled. It returns ctx.Err on orderly stop, or the first hard failure.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	a.log.Info("service running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"stream_mode", string(a.cfg.Stream.Mode),
		"archive", a.archiver != nil)

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// consumeSegments is the single reader of the engine's ordered output. Each
// segment is glossary-corrected, committed to the shared conversation
// context, and handed to the session sinks. Exits when the engine closes.
func (a *App) consumeSegments() {
	defer close(a.consumerDone)
	for seg := range a.eng.Segments() {
		if !seg.GapMarker {
			corrected, corrections := a.corrector.Correct(seg.Text)
			if len(corrections) > 0 {
				a.log.Debug("glossary corrections applied",
					"stream_id", seg.StreamID,
					"count", len(corrections))
				seg.Text = corrected
			}
			a.convCtx.Commit(seg)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.sessions.DeliverSegment(ctx, seg)
		cancel()
	}
}

// Shutdown drains the active session, closes the engine and releases every
// held resource. The ctx deadline bounds the drain; crossing it abandons any
// recognition replies still in flight.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		// Ingestion is already stopped (Run closed the HTTP server). Drain
		// the session so trailing recognitions reach the transcript, then
		// close the engine, which ends the consumer.
		a.sessions.Shutdown(ctx)
		a.eng.Close()

		select {
		case <-a.consumerDone:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if cerr := a.vad.Close(); cerr != nil {
			a.log.Warn("vad gateway close failed", "err", cerr)
		}
		if cerr := a.recog.Close(); cerr != nil {
			a.log.Warn("recognition gateway close failed", "err", cerr)
		}
		if a.store != nil {
			a.store.Close()
		}

		a.log.Info("shutdown complete")
	})
	return err
}

// Corrector exposes the glossary corrector so config reloads can swap terms.
func (a *App) Corrector() *transcript.Corrector {
	return a.corrector
}

// engineConfig maps the YAML engine section onto the engine's native config.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		SampleRate:      cfg.Audio.SampleRate,
		PacketSamples:   cfg.Engine.PacketSamples,
		MaxOutstanding:  cfg.Engine.MaxOutstandingPackets,
		VerdictTimeout:  time.Duration(cfg.Engine.VerdictTimeoutMs) * time.Millisecond,
		TargetSamples:   cfg.Engine.TargetSamples,
		OverflowSamples: cfg.Engine.OverflowSamples,
		MinSamples:      cfg.Engine.MinSamples,
		SilenceTimeout:  time.Duration(cfg.Engine.SilenceTimeoutMs) * time.Millisecond,
		ReorderTimeout:  time.Duration(cfg.Engine.ReorderTimeoutMs) * time.Millisecond,
		SweepInterval:   time.Duration(cfg.Engine.SweepIntervalMs) * time.Millisecond,
		QueueSize:       cfg.Engine.WorkerQueue,
	}
}
