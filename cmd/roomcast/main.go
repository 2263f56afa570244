package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	frameconfig "github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/internal/admin"
	"github.com/roomcast/roomcast/internal/history"
	"github.com/roomcast/roomcast/internal/httputil"
	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/media/engine/pion"
	"github.com/roomcast/roomcast/internal/rooms"
	"github.com/roomcast/roomcast/internal/signal"
	"github.com/roomcast/roomcast/pkg/codecprofile"
	"github.com/roomcast/roomcast/pkg/events"
)

func main() {
	ctx := context.Background()

	cfg, err := frameconfig.LoadWithOIDC[config.RoomcastConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	eventRef := cfg.EventQueueRef
	eventURL := cfg.GetEventsQueueURL()

	serviceOpts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("roomcast"),
		frame.WithRegisterPublisher(eventRef, eventURL),
	}
	if cfg.HistoryEnabled {
		serviceOpts = append(serviceOpts, frame.WithDatastore())
	}

	ctx, srv := frame.NewService(serviceOpts...)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	pub := events.NewPublisher(srv.QueueManager(), "roomcast", eventRef)

	// Codec profile, hot-reloaded. Reloads apply to new rooms.
	profile := codecprofile.NewLoader(cfg.CodecProfilePath)
	if err := profile.Load(); err != nil {
		log.Fatalf("loading codec profile: %v", err)
	}
	_ = pool.Submit(ctx, func() {
		err := profile.WatchAndReload(ctx.Done(), func(err error) {
			util.Log(ctx).WithError(err).Warn("codec profile reload failed")
		})
		if err != nil {
			util.Log(ctx).WithError(err).Warn("codec profile watcher stopped")
		}
	})

	// Media workers, each on its own UDP port slice.
	enginePool, err := engine.NewPool(ctx, cfg.NumWorkers, func(_ context.Context, i int) (engine.Worker, error) {
		minPort, maxPort := cfg.WorkerPortRange(i)
		return pion.NewWorker(pion.WorkerConfig{
			RTCMinPort:  minPort,
			RTCMaxPort:  maxPort,
			ListenIP:    cfg.ListenIP,
			AnnouncedIP: cfg.AnnouncedIP,
		})
	}, engine.PoolOptions{})
	if err != nil {
		log.Fatalf("creating media workers: %v", err)
	}
	defer enginePool.Close()

	registry := rooms.NewRegistry(enginePool, rooms.RegistryOptions{
		Codecs:    profile.Codecs,
		Publisher: pub,
	})
	defer registry.Close(ctx)

	dispatcher := signal.NewDispatcher(registry, signal.DispatcherOptions{
		EngineCallTimeout:      cfg.EngineCallTimeout(),
		MaxIncomingBitrate:     cfg.MaxIncomingBitrate,
		InitialOutgoingBitrate: cfg.InitialAvailableOutgoingBitrate,
		MinOutgoingBitrate:     cfg.MinimumAvailableOutgoingBitrate,
		Publisher:              pub,
	})

	if cfg.HistoryEnabled {
		repo := history.NewRepository(
			srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
		)
		recorder := history.NewRecorder(repo, pub)
		_ = pool.Submit(ctx, func() { recorder.Run(ctx) })
	}

	// Operator API on its own listener.
	adminHandler := admin.NewHandler(registry, enginePool)
	adminServer := &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           adminHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	_ = pool.Submit(ctx, func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Log(ctx).WithError(err).Error("operator api exited")
		}
	})
	defer adminServer.Close()

	signalServer := signal.NewServer(dispatcher)
	srv.Init(ctx, frame.WithHTTPHandler(httputil.H2CHandler(signalServer.Handler())))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
