package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/publisher"
	"trip-tracker/internal/sim"
)

func main() {
	_ = godotenv.Load()

	itineraryPath := flag.String("itinerary", "", "YAML itinerary to follow (required)")
	tripID := flag.String("trip", "", "trip id inside the itinerary (required)")
	device := flag.String("device", "", "traveler email the device answers for (required)")
	interval := flag.Duration("interval", 5*time.Second, "time between fixes")
	speed := flag.Float64("speed", 1, "schedule seconds played per wall-clock second")
	startAt := flag.String("start", "", "RFC3339 schedule instant to begin at (default now)")
	deny := flag.Bool("deny", false, "report location permission as denied")
	accuracy := flag.Float64("accuracy", 10, "accuracy in meters reported with every fix")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *itineraryPath == "" || *tripID == "" || *device == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := itinerary.LoadFile(*itineraryPath)
	if err != nil {
		log.Fatalf("itinerary: %v", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	steps, err := f.Steps(ctx, *tripID)
	if err != nil {
		log.Fatalf("itinerary: %v", err)
	}

	opts := sim.Options{Interval: *interval, Speed: *speed, Accuracy: *accuracy}
	if *startAt != "" {
		opts.StartAt, err = time.Parse(time.RFC3339, *startAt)
		if err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
	}
	if *deny {
		opts.Permission = "denied"
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}
	prefix := os.Getenv("NATS_SUBJECT_PREFIX")
	if prefix == "" {
		prefix = "tracker"
	}

	nc, err := publisher.Connect(natsURL, "trip-tracker-devicesim", nil)
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer nc.Close()

	d := sim.NewDevice(prefix, *device, steps, opts)
	if err := d.Attach(ctx, nc); err != nil {
		log.Fatalf("attach: %v", err)
	}
	log.WithFields(log.Fields{"trip": *tripID, "device": *device, "deny": *deny}).Info("device simulator running")

	<-ctx.Done()
	d.Stop()
	log.Info("shutdown complete")
}

