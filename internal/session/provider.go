package session

import (
	"context"
	"time"

	"trip-tracker/internal/engine"
	"trip-tracker/internal/itinerary"
)

// PermissionState maps permission names to states such as "granted",
// "denied" or "prompt".
type PermissionState map[string]string

const PermissionGranted = "granted"

// Granted reports whether any entry is granted.
func (p PermissionState) Granted() bool {
	for _, v := range p {
		if v == PermissionGranted {
			return true
		}
	}
	return false
}

type WatchOptions struct {
	EnableHighAccuracy bool          `json:"enableHighAccuracy"`
	Timeout            time.Duration `json:"timeout"`
	MaximumAge         time.Duration `json:"maximumAge"`
}

func DefaultWatchOptions() WatchOptions {
	return WatchOptions{EnableHighAccuracy: true, Timeout: 20 * time.Second, MaximumAge: 10 * time.Second}
}

// PositionCallback receives either a fix or an error, never both.
type PositionCallback func(pos itinerary.Position, err error)

// Provider is the device location feed.
type Provider interface {
	CheckPermissions(ctx context.Context) (PermissionState, error)
	RequestPermissions(ctx context.Context) (PermissionState, error)
	WatchPosition(ctx context.Context, opts WatchOptions, cb PositionCallback) (handle string, err error)
	ClearWatch(ctx context.Context, handle string) error
}

// ProviderFactory returns the provider for a traveler's device.
type ProviderFactory func(userEmail string) Provider

const SourceWatch = "watch"

type LocationRecord struct {
	TripID       string    `json:"tripId"`
	UserEmail    string    `json:"userEmail"`
	StepID       string    `json:"stepId,omitempty"`
	ActivityType string    `json:"activityType,omitempty"`
	PlaceName    string    `json:"placeName,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     *float64  `json:"accuracy"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

type StepStatusRecord struct {
	TripID            string        `json:"tripId"`
	UserEmail         string        `json:"userEmail"`
	StepID            string        `json:"stepId"`
	ActivityType      string        `json:"activityType"`
	PlaceName         string        `json:"placeName"`
	Status            engine.Status `json:"status"`
	DeltaMinutes      *float64      `json:"deltaMinutes"`
	ActualArrivalTime *time.Time    `json:"actualArrivalTime"`
	Phase             engine.Phase  `json:"phase"`
	Performing        bool          `json:"performing"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Sink persists what the controller decides to write. Calls are made from
// background goroutines; failures are logged and dropped.
type Sink interface {
	SaveTripLocation(ctx context.Context, rec LocationRecord) error
	SaveStepStatus(ctx context.Context, rec StepStatusRecord) error
	ClearTripNotificationFlags(ctx context.Context, tripID string) error
}

// ItinerarySource loads the steps of a trip.
type ItinerarySource interface {
	Steps(ctx context.Context, tripID string) ([]itinerary.Step, error)
}

// Observer is notified with a fresh snapshot after every evaluation.
type Observer interface {
	PublishSnapshot(snap Snapshot) error
}

type Metrics interface {
	SessionStarted()
	SessionStopped()
	EvaluationObserve(d time.Duration)
	LocationWrite(written bool)
	StatusWrite(written bool)
	SinkError(op string)
	ProviderError(kind string)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()                   {}
func (nopMetrics) SessionStopped()                   {}
func (nopMetrics) EvaluationObserve(_ time.Duration) {}
func (nopMetrics) LocationWrite(_ bool)              {}
func (nopMetrics) StatusWrite(_ bool)                {}
func (nopMetrics) SinkError(_ string)                {}
func (nopMetrics) ProviderError(_ string)            {}
