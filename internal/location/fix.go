package location

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/session"
)

// fixMessage is what the device publishes on its positions subject: either
// coordinates with a unix millisecond timestamp or an error.
type fixMessage struct {
	Latitude  *float64               `json:"latitude"`
	Longitude *float64               `json:"longitude"`
	Accuracy  *float64               `json:"accuracy"`
	Timestamp int64                  `json:"timestamp"`
	Error     *session.LocationError `json:"error"`
}

// DecodeFix parses a device message. Exactly one of pos and locErr is set
// when err is nil; err reports a malformed message.
func DecodeFix(data []byte) (pos itinerary.Position, locErr *session.LocationError, err error) {
	var m fixMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return pos, nil, errors.Wrap(err, "decode fix")
	}
	if m.Error != nil {
		return pos, m.Error, nil
	}
	if m.Latitude == nil || m.Longitude == nil {
		return pos, nil, errors.New("fix without coordinates")
	}
	if *m.Latitude < -90 || *m.Latitude > 90 || *m.Longitude < -180 || *m.Longitude > 180 {
		return pos, nil, errors.Errorf("coordinates out of range: %f,%f", *m.Latitude, *m.Longitude)
	}
	pos = itinerary.Position{Lat: *m.Latitude, Lon: *m.Longitude, Accuracy: m.Accuracy}
	if m.Timestamp > 0 {
		pos.Timestamp = time.UnixMilli(m.Timestamp)
	}
	return pos, nil, nil
}

// EncodeFix is the inverse of DecodeFix for coordinates.
func EncodeFix(pos itinerary.Position) ([]byte, error) {
	lat, lon := pos.Lat, pos.Lon
	m := fixMessage{Latitude: &lat, Longitude: &lon, Accuracy: pos.Accuracy}
	if !pos.Timestamp.IsZero() {
		m.Timestamp = pos.Timestamp.UnixMilli()
	}
	return json.Marshal(m)
}

// EncodeFixError builds the message a device sends when it cannot get a fix.
func EncodeFixError(le session.LocationError) ([]byte, error) {
	return json.Marshal(fixMessage{Error: &le})
}
