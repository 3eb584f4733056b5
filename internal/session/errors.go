package session

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied = errors.New("location permission not granted")
	ErrNoSession        = errors.New("no tracking session for trip")
	ErrTripBusy         = errors.New("trip is tracked by another traveler")
	ErrForbidden        = errors.New("tracking session belongs to another traveler")
	ErrStopped          = errors.New("tracking stopped while starting")
)

type ErrorKind int

const (
	KindUnclassified ErrorKind = iota
	KindPermissionDenied
	KindSignalUnavailable
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindSignalUnavailable:
		return "signal_unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unclassified"
	}
}

// Native provider error codes.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// LocationError is a provider error carrying an optional native code.
type LocationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *LocationError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("location error %d: %s", e.Code, e.Message)
}

// Classified is a provider error translated for the traveler.
type Classified struct {
	Kind    ErrorKind
	Message string
	Fatal   bool
}

const (
	msgPermissionDenied  = "Location permission denied. Enable location access in your device settings."
	msgSignalUnavailable = "Location signal unavailable. Retrying..."
	msgTimeout           = "Timed out waiting for a location fix. Retrying..."
)

// Classify maps a provider error to the taxonomy. A native code wins; the
// message text is matched only when no code is available.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}
	raw := err.Error()
	var le *LocationError
	if errors.As(err, &le) {
		switch le.Code {
		case CodePermissionDenied:
			return classified(KindPermissionDenied)
		case CodePositionUnavailable:
			return classified(KindSignalUnavailable)
		case CodeTimeout:
			return classified(KindTimeout)
		}
		if le.Message != "" {
			raw = le.Message
		}
	}
	if errors.Is(err, ErrPermissionDenied) {
		return classified(KindPermissionDenied)
	}

	lower := strings.ToLower(raw)
	switch {
	case containsAny(lower, "permission", "denied", "not authorized", "unauthorized"):
		return classified(KindPermissionDenied)
	case containsAny(lower, "timeout", "timed out"):
		return classified(KindTimeout)
	case containsAny(lower, "unavailable", "disabled", "no provider", "location services are off", "position update"):
		return classified(KindSignalUnavailable)
	}
	return Classified{Kind: KindUnclassified, Message: raw}
}

func classified(k ErrorKind) Classified {
	switch k {
	case KindPermissionDenied:
		return Classified{Kind: k, Message: msgPermissionDenied, Fatal: true}
	case KindSignalUnavailable:
		return Classified{Kind: k, Message: msgSignalUnavailable}
	case KindTimeout:
		return Classified{Kind: k, Message: msgTimeout}
	}
	return Classified{Kind: KindUnclassified}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
