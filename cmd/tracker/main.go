package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/api"
	"trip-tracker/internal/config"
	"trip-tracker/internal/db"
	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/location"
	"trip-tracker/internal/metrics"
	"trip-tracker/internal/notify"
	"trip-tracker/internal/publisher"
	"trip-tracker/internal/session"
)

func main() {
	itineraryPath := flag.String("itinerary", "", "serve itinerary steps from a YAML file instead of the database")
	importPath := flag.String("import", "", "load a YAML itinerary into the database and exit")
	flag.Parse()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	target, err := db.ResolveTarget(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("database target: %v", err)
	}
	sqlDB, err := db.Open(target)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	store := db.NewStore(sqlDB, target.Driver)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.WithField("driver", target.Driver).Info("database ready")

	if *importPath != "" {
		if err := importItinerary(ctx, store, *importPath); err != nil {
			log.Fatalf("import: %v", err)
		}
		return
	}

	var source session.ItinerarySource = store
	if *itineraryPath != "" {
		f, err := itinerary.LoadFile(*itineraryPath)
		if err != nil {
			log.Fatalf("itinerary: %v", err)
		}
		source = f
		log.WithFields(log.Fields{"path": *itineraryPath, "trips": len(f.TripIDs())}).Info("itinerary loaded")
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.GeofenceRadius, cfg.TickInterval)
		mctx, mcancel := context.WithCancel(context.Background())
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Notification flags are mirrored in Redis when configured
	var flags []flagClearer
	if rdb := notify.Connect(cfg.RedisAddr, cfg.RedisPassword); rdb != nil {
		defer rdb.Close()
		rf := notify.NewRedisFlags(rdb, notify.DefaultPrefix)
		if err := rf.Ping(ctx); err != nil {
			log.Fatalf("redis ping error: %v", err)
		}
		flags = append(flags, rf)
		log.WithField("addr", cfg.RedisAddr).Info("redis ready")
	}

	nc, err := publisher.Connect(cfg.NATSURL, "trip-tracker", wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	pub := publisher.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	defer pub.Close()

	tz := cfg.Location
	opts := session.DefaultOptions()
	opts.GeofenceRadius = cfg.GeofenceRadius
	opts.TickInterval = cfg.TickInterval
	opts.MinDistance = cfg.LocationMinDistance
	opts.MinInterval = cfg.LocationMinInterval
	opts.HistoryLimit = cfg.HistoryLimit
	opts.WriteTimeout = cfg.WriteTimeout
	opts.Now = func() time.Time { return time.Now().In(tz) }

	mgr := session.NewManager(
		source,
		newSink(store, flags...),
		location.Factory(nc, cfg.NATSSubjectPrefix, cfg.PermissionTimeout),
		pub,
		wrapSessionMetrics(mcol),
		opts,
	)

	app := api.NewApp(mgr, store, cfg.JWTSecret)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.WithError(err).Error("http server")
			cancel()
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	mgr.StopAll(shutdownCtx)
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Info("shutdown complete")
}

func importItinerary(ctx context.Context, store *db.Store, path string) error {
	f, err := itinerary.LoadFile(path)
	if err != nil {
		return err
	}
	for _, tripID := range f.TripIDs() {
		steps, err := f.Steps(ctx, tripID)
		if err != nil {
			return err
		}
		if err := store.ReplaceSteps(ctx, tripID, steps); err != nil {
			return err
		}
		log.WithFields(log.Fields{"tripId": tripID, "steps": len(steps)}).Info("trip imported")
	}
	return nil
}
