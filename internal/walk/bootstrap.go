package walk

import (
	"context"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/geo"
	walkhttp "walkly/internal/walk/http"
	"walkly/internal/walk/lifecycle"
	"walkly/internal/walk/notify"
	"walkly/internal/walk/rating"
	"walkly/internal/walk/repo"
	"walkly/internal/walk/stream"
	"walkly/internal/walk/timeutil"
	"walkly/internal/walk/ws"
)

type moduleState struct {
	sessionsRepo *repo.SessionsRepo
	samplesRepo  *repo.SamplesRepo
	ratings      *rating.Service
	locator      *geo.ProviderLocator
	coordinator  *lifecycle.Coordinator
	live         *channel.Channel
	streamer     *stream.Streamer
	providerHub  *ws.ProviderHub
	watcherHub   *ws.WatcherHub
	server       *walkhttp.Server
	notifier     lifecycle.Notifier
}

func ensureModule(deps *WalkDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}

	sessionsRepo := repo.NewSessionsRepo(deps.DB)
	samplesRepo := repo.NewSamplesRepo(deps.DB)
	ratings := rating.NewService(deps.DB)
	locator := geo.NewProviderLocator(deps.RDB)

	var notifier lifecycle.Notifier
	var tokens walkhttp.TokenStore
	if deps.FCM != nil {
		fcm := notify.NewFCMNotifier(deps.FCM, deps.DB, deps.Logger)
		notifier = fcm
		tokens = fcm
	} else {
		deps.Logger.Infof("FCM is not configured, notifications go to the log")
		notifier = &notify.LogNotifier{Logger: deps.Logger}
	}

	coordinator := lifecycle.NewCoordinator(sessionsRepo, notifier, deps.Logger, deps.Config.Lifecycle())
	live := channel.New(samplesRepo, deps.Logger, deps.Config.StaleAfter)
	streamer := stream.New(coordinator, live, deps.Logger, 0)

	providerHub := ws.NewProviderHub(live, locator, coordinator, deps.Identity, deps.Config.Sampler, deps.Config.Reconnect, deps.Logger)
	watcherHub := ws.NewWatcherHub(streamer, live, coordinator, deps.Identity, deps.Logger)

	server := walkhttp.NewServer(walkhttp.ServerDeps{
		Logger:        deps.Logger,
		Coordinator:   coordinator,
		Sessions:      sessionsRepo,
		Samples:       samplesRepo,
		Ratings:       ratings,
		Locator:       locator,
		Live:          live,
		ProviderHub:   providerHub,
		WatcherHub:    watcherHub,
		Storage:       deps.Storage,
		Tokens:        tokens,
		Identity:      deps.Identity,
		PaymentSecret: deps.Config.PaymentWebhookSecret,
		HistoryLimit:  deps.Config.HistoryLimit,
	})

	deps.module = &moduleState{
		sessionsRepo: sessionsRepo,
		samplesRepo:  samplesRepo,
		ratings:      ratings,
		locator:      locator,
		coordinator:  coordinator,
		live:         live,
		streamer:     streamer,
		providerHub:  providerHub,
		watcherHub:   watcherHub,
		server:       server,
		notifier:     notifier,
	}
	return deps.module, nil
}

// RegisterWalkRoutes wires HTTP and WebSocket routes into the provided mux.
// Authenticated routes go through auth; the payment webhook does not.
func RegisterWalkRoutes(mux *pat.PatternServeMux, base, auth alice.Chain, deps *WalkDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.RegisterRoutes(mux, base, auth)
	return nil
}

// StartWalkWorkers launches the stalled-provider advisory sweep.
func StartWalkWorkers(ctx context.Context, deps *WalkDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go module.staleAdvisoryLoop(ctx, deps.Logger)
	return nil
}

// staleAdvisoryLoop notifies requesters when a moving provider has gone
// quiet for longer than the advisory window. It never cancels anything.
func (m *moduleState) staleAdvisoryLoop(ctx context.Context, logger Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	notified := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := timeutil.Now()
			stale := m.live.StaleSessions(now)
			for id := range notified {
				if _, still := stale[id]; !still {
					delete(notified, id)
				}
			}
			for id, age := range stale {
				if _, done := notified[id]; done {
					continue
				}
				s, err := m.coordinator.Get(ctx, id)
				if err != nil {
					logger.Errorf("stale advisory: load session %s: %v", id, err)
					continue
				}
				logger.Infof("session %s: no location for %s while moving", id, age.Round(time.Second))
				if err := m.notifier.Notify(ctx, s.RequesterID, "provider_stalled",
					map[string]string{"session_id": id}); err != nil {
					logger.Errorf("stale advisory notify: %v", err)
				}
				notified[id] = struct{}{}
			}
		}
	}
}
