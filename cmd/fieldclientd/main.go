// Command fieldclientd runs the headless marketplace client: it keeps
// presence, channel membership, and notifications alive for one worker
// session and serves a local diagnostics endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manoslocales/fieldclient/internal/api"
	"github.com/manoslocales/fieldclient/internal/chatlog"
	"github.com/manoslocales/fieldclient/internal/config"
	"github.com/manoslocales/fieldclient/internal/diag"
	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/markers"
	"github.com/manoslocales/fieldclient/internal/membership"
	"github.com/manoslocales/fieldclient/internal/notify"
	"github.com/manoslocales/fieldclient/internal/observability"
	"github.com/manoslocales/fieldclient/internal/presence"
	"github.com/manoslocales/fieldclient/internal/realtime"
	"github.com/manoslocales/fieldclient/internal/state"
	"github.com/manoslocales/fieldclient/internal/sysutil"
	"github.com/manoslocales/fieldclient/internal/typing"
)

var version = "dev"

// logToasts renders toasts into the log; the daemon has no UI surface.
type logToasts struct{}

func (logToasts) Show(t notify.Toast) {
	log.Info().
		Str("toast_id", t.ID).
		Str("kind", string(t.Kind)).
		Str("title", t.Title).
		Str("body", t.Body).
		Dur("duration", t.Duration).
		Msg("notification")
}

// logNotifier stands in for the OS notification center, gated on the same
// permission flag a desktop build would persist.
type logNotifier struct{ granted bool }

func (n logNotifier) Granted() bool { return n.granted }
func (n logNotifier) Notify(title, body string) {
	log.Info().Str("title", title).Str("body", body).Msg("os notification")
}

// clientWhisperer sends typing whispers through whatever connection is live,
// skipping silently in degraded mode.
type clientWhisperer struct{ rt *realtime.Client }

func (w clientWhisperer) Whisper(channel, event string, payload any) {
	if conn := w.rt.Current(); conn != nil {
		conn.Whisper(channel, event, payload)
	}
}

// activeChat binds the message reconciler and typing indicator to whichever
// request the poller currently surfaces as active.
type activeChat struct {
	backend *api.Client
	selfID  int64
	whisper typing.Whisperer
	win     typing.Windows
	log     zerolog.Logger

	mu    sync.Mutex
	id    int64
	store *chatlog.Store
	typer *typing.Indicator
}

// Track switches the conversation when the active request changes.
func (a *activeChat) Track(ctx context.Context, id int64) {
	a.mu.Lock()
	if id == a.id {
		a.mu.Unlock()
		return
	}
	a.id = id
	if id == 0 {
		a.store, a.typer = nil, nil
		a.mu.Unlock()
		return
	}
	store := chatlog.NewStore(id, a.backend, a.log)
	a.store = store
	a.typer = typing.NewIndicator(id, a.selfID, a.whisper, a.win)
	a.mu.Unlock()

	if err := store.LoadInitial(ctx); err != nil {
		log.Warn().Err(err).Int64("request_id", id).Msg("conversation load failed")
	}
}

// Apply merges a pushed message into the active conversation.
func (a *activeChat) Apply(requestID int64, msg domain.ChatMessage) {
	a.mu.Lock()
	store := a.store
	match := requestID == a.id
	a.mu.Unlock()
	if match && store != nil {
		store.Apply(msg)
	}
}

// Observe feeds a remote typing signal into the active indicator.
func (a *activeChat) Observe(requestID int64, sig domain.TypingSignal) {
	a.mu.Lock()
	typer := a.typer
	match := requestID == a.id
	a.mu.Unlock()
	if match && typer != nil {
		typer.Observe(sig)
	}
}

// Status snapshots the conversation for the diagnostics endpoint.
func (a *activeChat) Status() *diag.ConversationInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id == 0 || a.store == nil {
		return nil
	}
	return &diag.ConversationInfo{
		RequestID:   a.id,
		Messages:    len(a.store.Messages()),
		LastID:      a.store.LastID(),
		OtherTyping: a.typer.OtherTyping(),
	}
}

func main() {
	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := state.Open(cfg.StatePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StatePath).Msg("state db open failed")
	}
	store, err := state.NewStore(db, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("state store init failed")
	}

	backend := api.New(cfg.APIBaseURL, store, cfg.RequestTimeout, log.Logger)
	transport := realtime.NewClient(cfg.Realtime, backend, log.Logger)

	fallback := domain.LatLng{Lat: cfg.FallbackLat, Lng: cfg.FallbackLng}
	pres := presence.NewStore(backend, nil, cfg.GeoTimeout, fallback, log.Logger)
	board := markers.NewBoard(backend, pres, log.Logger)

	// Establish the session. Without a stored token everything below runs in
	// guest mode: no private channels, no poller, map only.
	var profile api.WorkerProfile
	if store.Token() != "" {
		profile, err = backend.WorkerMe(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("profile fetch failed, starting as guest")
		} else {
			pres.Login(profile.ID, profile.Categories)
		}
	}

	dispatcher := notify.NewDispatcher(profile.UserID, logToasts{}, logNotifier{granted: cfg.OSNotify}, cfg.Locale, log.Logger)
	binder := notify.NewBinder(transport, dispatcher, log.Logger)
	chat := &activeChat{
		backend: backend,
		selfID:  profile.UserID,
		whisper: clientWhisperer{rt: transport},
		win: typing.Windows{
			Debounce:  cfg.TypingDebounce,
			Broadcast: cfg.TypingWindow,
			Decay:     cfg.TypingDecay,
		},
		log: log.Logger,
	}
	binder.SetMessageHandler(chat.Apply)
	binder.SetTypingHandler(chat.Observe)
	tracker := membership.NewTracker(binder, log.Logger)
	poller := membership.NewPoller(backend, tracker, cfg.PollInterval, cfg.MaxChatChannels, log.Logger)
	poller.OnSnapshot(func(prev, cur []domain.ServiceRequest) {
		dispatcher.DiffPoll(prev, cur)
		chat.Track(ctx, poller.ActiveRequestID())
		dispatcher.CheckRatings(ctx, cur, store, func(ctx context.Context, requestID int64) (bool, error) {
			reviews, err := backend.WorkerReviews(ctx, profile.ID)
			if err != nil {
				return false, err
			}
			for _, r := range reviews {
				if r.ServiceRequestID == requestID {
					return true, nil
				}
			}
			return false, nil
		})
	})

	if pres.Snapshot().Status != domain.StatusGuest {
		if err := binder.BindUserChannels(ctx, profile.ID, profile.UserID); err != nil {
			log.Warn().Err(err).Msg("notification channels unavailable, relying on poll fallback")
		}
		go poller.Run(ctx)
	}

	// Public presence broadcasts keep the map live between fetches.
	if err := binder.BindWorkers(ctx, func(u domain.WorkerUpdate) {
		if board.Apply(u) {
			if err := board.RefreshCount(ctx, fallback); err != nil {
				log.Debug().Err(err).Msg("worker count refresh failed")
			}
		}
	}); err != nil {
		log.Warn().Err(err).Msg("workers channel unavailable")
	}
	if err := board.Refresh(ctx, fallback); err != nil {
		log.Warn().Err(err).Msg("initial marker fetch failed")
	}

	var srv *http.Server
	if cfg.DiagAddr != "" {
		srv = diag.NewServer(cfg, diag.Sources{
			Presence:     pres.Snapshot,
			ChatChannels: tracker.Subscribed,
			Transport: func() []string {
				conn := transport.GetConnection(context.Background())
				if conn == nil {
					return nil
				}
				return conn.ChannelNames()
			},
			ActiveRequest: poller.ActiveRequestID,
			Conversation:  chat.Status,
			Version:       version,
		}, log.Logger)
		go func() {
			log.Info().Str("addr", cfg.DiagAddr).Msg("diagnostics server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("diagnostics server failed")
			}
		}()
	}

	log.Info().Str("version", version).Msg("fieldclientd started")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	tracker.Teardown()
	transport.Close()
	if srv != nil {
		if err := diag.Shutdown(srv, 5*time.Second); err != nil {
			log.Warn().Err(err).Msg("diagnostics shutdown did not drain")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownOTel(flushCtx); err != nil {
		log.Warn().Err(err).Msg("otel flush failed")
	}
	os.Exit(0)
}
