package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"trip-tracker/internal/session"
)

type flagClearer interface {
	ClearTripNotificationFlags(ctx context.Context, tripID string) error
}

// sink writes tracking data to the store and clears notification flags in
// every place they are kept.
type sink struct {
	session.Sink
	flags []flagClearer
}

func newSink(store session.Sink, extra ...flagClearer) *sink {
	return &sink{Sink: store, flags: append([]flagClearer{store}, extra...)}
}

func (s *sink) ClearTripNotificationFlags(ctx context.Context, tripID string) error {
	var errs []string
	for _, f := range s.flags {
		if err := f.ClearTripNotificationFlags(ctx, tripID); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("clear notification flags for %s: %s", tripID, strings.Join(errs, "; "))
	}
	return nil
}
