package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/bus/bustest"
	"github.com/c360studio/sembus/config"
	"github.com/c360studio/sembus/discovery"
	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

func testConfig(jetStream bool) Config {
	stream := config.DefaultConfig().NATS.Stream
	return Config{
		Source:    "model-service",
		Timeout:   2 * time.Second,
		Workers:   2,
		QueueSize: 8,
		Bus: bus.Options{
			Name:           "publisher-test",
			ConnectTimeout: 500 * time.Millisecond,
			JetStream:      jetStream,
		},
		Stream: &stream,
	}
}

func resolverFor(t *testing.T, srv *bus.Embedded) discovery.Resolver {
	t.Helper()
	r, err := discovery.URLResolver(srv.ClientURL())
	require.NoError(t, err)
	return r
}

func newTestPublisher(t *testing.T, cfg Config, r discovery.Resolver, opts ...Option) *Publisher {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	p := New(cfg, r, opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func subscribe(t *testing.T, srv *bus.Embedded, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return sub
}

func TestPublishUsageTokens(t *testing.T) {
	for _, jetStream := range []bool{true, false} {
		name := "core"
		if jetStream {
			name = "jetstream"
		}
		t.Run(name, func(t *testing.T) {
			srv := bustest.Server(t)
			sub := subscribe(t, srv, "billing.usage.recorded.>")
			p := newTestPublisher(t, testConfig(jetStream), resolverFor(t, srv))

			in := event.UsageInput{UserID: "u-1", ProductID: "chat", Service: "chat.completions"}.WithTokens(120, 30)
			require.True(t, p.PublishUsage(context.Background(), in))

			msg, err := sub.NextMsg(2 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, "billing.usage.recorded.chat", msg.Subject)
			assert.Equal(t, "billing.usage.recorded", msg.Header.Get(event.HeaderEventType))
			assert.Equal(t, "model-service", msg.Header.Get(event.HeaderSource))
			assert.NotEmpty(t, msg.Header.Get(event.HeaderEventID))
			assert.Equal(t, msg.Header.Get(event.HeaderEventID), msg.Header.Get(nats.MsgIdHdr))

			var got event.UsageEvent
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			assert.Equal(t, event.UnitToken, got.UnitType)
			assert.Equal(t, 150.0, got.UsageAmount)
			assert.Equal(t, "2026-03-14T09:26:53.589Z", got.Timestamp)
			assert.Equal(t, "chat.completions", got.UsageDetails[event.DetailService])
		})
	}
}

func TestPublishUsageUnits(t *testing.T) {
	srv := bustest.Server(t)
	sub := subscribe(t, srv, "billing.usage.recorded.>")
	p := newTestPublisher(t, testConfig(true), resolverFor(t, srv))

	in := event.UsageInput{UserID: "u-1", Service: "Image Gen"}.WithUnits(3)
	require.True(t, p.PublishUsage(context.Background(), in))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "billing.usage.recorded.image_gen", msg.Subject)

	var got event.UsageEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.UnitRequest, got.UnitType)
	assert.Equal(t, 3.0, got.UsageAmount)
}

func TestPublishUsageWithoutMetrics(t *testing.T) {
	srv := bustest.Server(t)
	sub := subscribe(t, srv, ">")
	m := metrics.New()

	var dials atomic.Int32
	p := newTestPublisher(t, testConfig(true), resolverFor(t, srv),
		WithMetrics(m),
		WithDialer(func(ctx context.Context, url string) (*bus.Conn, error) {
			dials.Add(1)
			return bus.Connect(ctx, url, testConfig(true).Bus)
		}))

	ok := p.PublishUsage(context.Background(), event.UsageInput{UserID: "u-1", Service: "chat"})
	assert.False(t, ok)

	_, err := sub.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.Zero(t, dials.Load(), "no connection attempt without metrics")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(event.TypeUsageRecorded, metrics.OutcomeSkipped)))
}

func TestPublishUsageTransportUnavailable(t *testing.T) {
	srv := bustest.Server(t)
	r := resolverFor(t, srv)
	srv.Shutdown()

	p := newTestPublisher(t, testConfig(true), r)

	var ok bool
	assert.NotPanics(t, func() {
		ok = p.PublishUsage(context.Background(), event.UsageInput{UserID: "u-1", Service: "chat"}.WithTokens(1, 1))
	})
	assert.False(t, ok)

	err := p.Publish(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"})
	assert.ErrorIs(t, err, ErrConnect)
}

func TestPublishDiscoveryFailure(t *testing.T) {
	failing := discovery.ResolverFunc(func(context.Context, string) (discovery.Endpoint, error) {
		return discovery.Endpoint{}, errors.New("consul unreachable")
	})
	p := newTestPublisher(t, testConfig(true), failing)

	err := p.Publish(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"})
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.False(t, p.Notify(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"}))
}

func TestPublishDiscoveryFallsBackToEnv(t *testing.T) {
	srv := bustest.Server(t)
	ep, err := discovery.ParseURL(srv.ClientURL())
	require.NoError(t, err)

	r := &discovery.FallbackResolver{
		Primary: discovery.ResolverFunc(func(context.Context, string) (discovery.Endpoint, error) {
			return discovery.Endpoint{}, errors.New("consul unreachable")
		}),
		Fallback: discovery.EnvResolver{Getenv: func(k string) string {
			switch k {
			case "NATS_HOST":
				return ep.Host
			case "NATS_PORT":
				return strconv.Itoa(ep.Port)
			}
			return ""
		}},
		Logger: slog.Default(),
	}

	p := newTestPublisher(t, testConfig(true), r)
	assert.True(t, p.PublishUsage(context.Background(), event.UsageInput{UserID: "u-1", Service: "chat"}.WithUnits(1)))
}

func TestPublishInvalidEvent(t *testing.T) {
	p := newTestPublisher(t, testConfig(true), discovery.StaticResolver{Host: "127.0.0.1", Port: 1})

	err := p.Publish(context.Background(), &event.DeviceDeleted{UserID: "u-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, event.ErrInvalid)

	err = p.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestConnectionIsDialedOnce(t *testing.T) {
	srv := bustest.Server(t)
	var dials atomic.Int32
	cfg := testConfig(true)
	p := newTestPublisher(t, cfg, resolverFor(t, srv), WithDialer(func(ctx context.Context, url string) (*bus.Conn, error) {
		dials.Add(1)
		return bus.Connect(ctx, url, cfg.Bus)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, p.Notify(context.Background(), &event.DeviceRegistered{DeviceID: "d1", UserID: "u-1"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
}

func TestFailedDialIsRetried(t *testing.T) {
	srv := bustest.Server(t)
	var dials atomic.Int32
	cfg := testConfig(true)
	p := newTestPublisher(t, cfg, resolverFor(t, srv), WithDialer(func(ctx context.Context, url string) (*bus.Conn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return bus.Connect(ctx, url, cfg.Bus)
	}))

	ev := &event.InvitationSent{InvitationID: "i1", OrganizationID: "o1", Email: "a@example.com"}
	assert.ErrorIs(t, p.Publish(context.Background(), ev), ErrConnect)
	assert.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, int32(2), dials.Load())
}

func TestWithConnSharesConnection(t *testing.T) {
	_, conn := bustest.JetStream(t)
	p := New(testConfig(true), nil, WithConn(conn))

	require.NoError(t, p.Publish(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"}))
	require.NoError(t, p.Close(context.Background()))

	// The shared connection stays usable after the publisher is closed.
	assert.False(t, conn.NATS().IsClosed())
}

func TestPublishAfterClose(t *testing.T) {
	srv := bustest.Server(t)
	p := New(testConfig(true), resolverFor(t, srv))
	require.NoError(t, p.Close(context.Background()))

	err := p.Publish(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, p.PublishUsageAsync(context.Background(), event.UsageInput{UserID: "u-1", Service: "chat"}.WithUnits(1)))
}

func TestPublishUsageAsync(t *testing.T) {
	srv := bustest.Server(t)
	sub := subscribe(t, srv, "billing.usage.recorded.>")
	p := New(testConfig(true), resolverFor(t, srv))

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, p.PublishUsageAsync(ctx, event.UsageInput{UserID: "u-1", Service: "chat"}.WithTokens(5, 5)))
	cancel()

	require.NoError(t, p.Close(context.Background()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "billing.usage.recorded.chat", msg.Subject)
}

func TestPublishUsageAsyncDropsWhenFull(t *testing.T) {
	srv := bustest.Server(t)
	cfg := testConfig(true)
	cfg.Workers = 1
	cfg.QueueSize = 1
	m := metrics.New()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := New(cfg, resolverFor(t, srv), WithMetrics(m), WithDialer(func(ctx context.Context, url string) (*bus.Conn, error) {
		once.Do(func() { close(started) })
		<-release
		return bus.Connect(context.Background(), url, cfg.Bus)
	}))

	in := event.UsageInput{UserID: "u-1", Service: "chat"}.WithUnits(1)
	require.True(t, p.PublishUsageAsync(context.Background(), in))
	<-started // the only worker is now busy

	assert.True(t, p.PublishUsageAsync(context.Background(), in), "fills the queue")
	assert.False(t, p.PublishUsageAsync(context.Background(), in), "queue full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(event.TypeUsageRecorded, metrics.OutcomeDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AsyncQueueDepth), "only the queued publication is counted")

	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.Zero(t, testutil.ToFloat64(m.AsyncQueueDepth))
}

func TestPublishUsageSerializationFailure(t *testing.T) {
	srv := bustest.Server(t)
	sub := subscribe(t, srv, ">")
	p := newTestPublisher(t, testConfig(true), resolverFor(t, srv))

	in := event.UsageInput{
		UserID:  "u-1",
		Service: "chat",
		Details: map[string]any{"bad": make(chan int)},
	}.WithUnits(1)
	assert.False(t, p.PublishUsage(context.Background(), in))

	ev, err := event.NewUsageEvent(in, fixedNow)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Publish(context.Background(), ev), ErrSerialize)

	_, err = sub.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestPublishMetrics(t *testing.T) {
	_, conn := bustest.JetStream(t)
	m := metrics.New()
	p := New(testConfig(true), nil, WithConn(conn), WithMetrics(m))
	defer p.Close(context.Background())

	require.NoError(t, p.Publish(context.Background(), &event.DeviceDeleted{DeviceID: "d1", UserID: "u-1"}))
	require.Error(t, p.Publish(context.Background(), &event.DeviceDeleted{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(event.TypeDeviceDeleted, metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(event.TypeDeviceDeleted, metrics.OutcomeSkipped)))
}
