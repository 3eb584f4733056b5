package location

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/session"
)

type fakeBus struct {
	mu         sync.Mutex
	replies    map[string][]byte
	requestErr error
	publishErr error
	handlers   map[string]func([]byte)
	published  map[string][][]byte
	unsubErr   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		replies:   make(map[string][]byte),
		handlers:  make(map[string]func([]byte)),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBus) request(_ context.Context, subject string, _ []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requestErr != nil {
		return nil, b.requestErr
	}
	return b.replies[subject], nil
}

func (b *fakeBus) subscribe(subject string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, subject)
		return b.unsubErr
	}, nil
}

func (b *fakeBus) publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBus) deliver(subject string, data []byte) bool {
	b.mu.Lock()
	h, ok := b.handlers[subject]
	b.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

func (b *fakeBus) controls(t *testing.T, subject string) []ControlMessage {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ControlMessage
	for _, raw := range b.published[subject] {
		var m ControlMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "tracker.devices.ana@example_com.watch", DeviceSubject("tracker", "ana@example.com", "watch"))
	assert.Equal(t, "_", SubjectToken("  "))
	assert.Equal(t, "a_b_c_d", SubjectToken("a*b>c d"))
}

func TestPermissions(t *testing.T) {
	b := newFakeBus()
	b.replies["tracker.devices.ana.permissions.check"] = []byte(`{"location":"prompt"}`)
	b.replies["tracker.devices.ana.permissions.request"] = []byte(`{"location":"granted","coarseLocation":"denied"}`)
	p := newProvider(b, "tracker", "ana", time.Second)

	st, err := p.CheckPermissions(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Granted())

	st, err = p.RequestPermissions(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Granted())

	b.requestErr = errors.New("no responders")
	_, err = p.CheckPermissions(context.Background())
	assert.Error(t, err)

	b.requestErr = nil
	b.replies["tracker.devices.ana.permissions.check"] = []byte(`not json`)
	_, err = p.CheckPermissions(context.Background())
	assert.Error(t, err)
}

func TestWatchLifecycle(t *testing.T) {
	b := newFakeBus()
	p := newProvider(b, "tracker", "ana", time.Second)

	var (
		mu    sync.Mutex
		fixes []itinerary.Position
		errs  []error
	)
	cb := func(pos itinerary.Position, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		fixes = append(fixes, pos)
	}

	handle, err := p.WatchPosition(context.Background(), session.DefaultWatchOptions(), cb)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	assert.Equal(t, 1, p.watching())

	ctrl := b.controls(t, "tracker.devices.ana.watch")
	require.Len(t, ctrl, 1)
	assert.Equal(t, "start", ctrl[0].Action)
	assert.Equal(t, handle, ctrl[0].Handle)
	require.NotNil(t, ctrl[0].Options)
	assert.True(t, ctrl[0].Options.EnableHighAccuracy)
	assert.Equal(t, int64(20000), ctrl[0].Options.TimeoutMs)

	posSubj := "tracker.devices.ana.positions." + handle
	assert.Equal(t, posSubj, ctrl[0].Subject)
	require.True(t, b.deliver(posSubj, []byte(`{"latitude":48.8606,"longitude":2.3376,"accuracy":8,"timestamp":1792404000000}`)))
	require.True(t, b.deliver(posSubj, []byte(`{"error":{"code":3,"message":"Timeout expired"}}`)))
	require.True(t, b.deliver(posSubj, []byte(`{"latitude":"north"}`)))

	mu.Lock()
	require.Len(t, fixes, 1)
	assert.Equal(t, 48.8606, fixes[0].Lat)
	assert.True(t, fixes[0].Timestamp.Equal(time.UnixMilli(1792404000000)))
	require.Len(t, errs, 1)
	assert.Equal(t, session.KindTimeout, session.Classify(errs[0]).Kind)
	mu.Unlock()

	require.NoError(t, p.ClearWatch(context.Background(), handle))
	assert.Equal(t, 0, p.watching())
	assert.False(t, b.deliver(posSubj, []byte(`{}`)), "unsubscribed")
	ctrl = b.controls(t, "tracker.devices.ana.watch")
	require.Len(t, ctrl, 2)
	assert.Equal(t, "stop", ctrl[1].Action)

	assert.NoError(t, p.ClearWatch(context.Background(), handle), "unknown handles are ignored")
}

func TestClearWatchReportsFailuresButForgetsHandle(t *testing.T) {
	b := newFakeBus()
	p := newProvider(b, "tracker", "ana", time.Second)
	handle, err := p.WatchPosition(context.Background(), session.DefaultWatchOptions(), func(itinerary.Position, error) {})
	require.NoError(t, err)

	b.unsubErr = errors.New("connection closed")
	b.publishErr = errors.New("connection closed")
	err = p.ClearWatch(context.Background(), handle)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsubscribe"))
	assert.Equal(t, 0, p.watching())
}

func TestWatchStartPublishFailureUnsubscribes(t *testing.T) {
	b := newFakeBus()
	b.publishErr = errors.New("connection closed")
	p := newProvider(b, "tracker", "ana", time.Second)

	_, err := p.WatchPosition(context.Background(), session.DefaultWatchOptions(), func(itinerary.Position, error) {})
	require.Error(t, err)
	assert.Equal(t, 0, p.watching())
	b.mu.Lock()
	assert.Empty(t, b.handlers)
	b.mu.Unlock()
}

func TestDecodeFix(t *testing.T) {
	pos, locErr, err := DecodeFix([]byte(`{"latitude":48.1,"longitude":2.2}`))
	require.NoError(t, err)
	assert.Nil(t, locErr)
	assert.Nil(t, pos.Accuracy)
	assert.True(t, pos.Timestamp.IsZero())

	_, locErr, err = DecodeFix([]byte(`{"error":{"code":1,"message":"User denied Geolocation"}}`))
	require.NoError(t, err)
	require.NotNil(t, locErr)
	assert.Equal(t, session.CodePermissionDenied, locErr.Code)

	_, _, err = DecodeFix([]byte(`{"latitude":48.1}`))
	assert.Error(t, err)
	_, _, err = DecodeFix([]byte(`{"latitude":91,"longitude":0}`))
	assert.Error(t, err)
}

func TestEncodeFix(t *testing.T) {
	acc := 5.0
	in := itinerary.Position{Lat: 48.85, Lon: 2.35, Accuracy: &acc, Timestamp: time.UnixMilli(1792404000000)}
	data, err := EncodeFix(in)
	require.NoError(t, err)
	out, locErr, err := DecodeFix(data)
	require.NoError(t, err)
	assert.Nil(t, locErr)
	assert.Equal(t, in.Lat, out.Lat)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}
