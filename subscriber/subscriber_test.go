package subscriber

import (
	"context"
	"errors"
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
	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
)

func testConfig() Config {
	return Config{
		Stream:        "EVENTS",
		Queue:         "sembus-test",
		DurablePrefix: "test",
		AckWait:       2 * time.Second,
		MaxDeliver:    5,
		NakDelay:      20 * time.Millisecond,
		DedupeSize:    100,
	}
}

func publishRaw(t *testing.T, conn *bus.Conn, subject, eventType, eventID string, data []byte) {
	t.Helper()
	msg := nats.NewMsg(subject)
	msg.Data = data
	if eventType != "" {
		msg.Header.Set(event.HeaderEventType, eventType)
	}
	if eventID != "" {
		msg.Header.Set(event.HeaderEventID, eventID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.PublishMsg(ctx, msg))
}

func startSubscriber(t *testing.T, conn *bus.Conn, register func(s *Subscriber), opts ...Option) *Subscriber {
	t.Helper()
	s, err := New(conn, testConfig(), opts...)
	require.NoError(t, err)
	register(s)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

const usagePayload = `{"user_id":"u-1","product_id":"chat","usage_amount":150,"unit_type":"token","usage_details":{"service":"chat"},"timestamp":"2026-03-14T09:26:53.589Z"}`

func TestTypedHandlerAcks(t *testing.T) {
	_, conn := bustest.JetStream(t)
	m := metrics.New()

	got := make(chan *event.UsageEvent, 1)
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.SubjectUsageRecordedAll, Typed(func(ctx context.Context, ev *event.UsageEvent, msg *Message) error {
			assert.Equal(t, "evt-1", msg.EventID)
			got <- ev
			return nil
		})))
	}, WithMetrics(m))

	publishRaw(t, conn, "billing.usage.recorded.chat", event.TypeUsageRecorded, "evt-1", []byte(usagePayload))

	select {
	case ev := <-got:
		assert.Equal(t, "u-1", ev.UserID)
		assert.Equal(t, 150.0, ev.UsageAmount)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsHandled.WithLabelValues(event.SubjectUsageRecordedAll, metrics.OutcomeAck)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissingTypeHeaderIsInferred(t *testing.T) {
	_, conn := bustest.JetStream(t)

	got := make(chan string, 1)
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.SubjectUsageRecordedAll, Typed(func(ctx context.Context, ev *event.UsageEvent, msg *Message) error {
			got <- msg.EventType
			return nil
		})))
	})

	publishRaw(t, conn, "billing.usage.recorded.chat", "", "", []byte(usagePayload))

	select {
	case eventType := <-got:
		assert.Equal(t, event.TypeUsageRecorded, eventType)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestErrorIsRedelivered(t *testing.T) {
	_, conn := bustest.JetStream(t)

	var calls atomic.Int32
	delivered := make(chan uint64, 2)
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.TypeDeviceDeleted, func(ctx context.Context, msg *Message) error {
			delivered <- msg.Delivered
			if calls.Add(1) == 1 {
				return errors.New("database unavailable")
			}
			return nil
		}))
	})

	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-2", []byte(`{"device_id":"d1","user_id":"u1"}`))

	for want := uint64(1); want <= 2; want++ {
		select {
		case n := <-delivered:
			assert.Equal(t, want, n)
		case <-time.After(3 * time.Second):
			t.Fatalf("delivery %d not received", want)
		}
	}
}

func TestPanicIsRedelivered(t *testing.T) {
	_, conn := bustest.JetStream(t)

	var calls atomic.Int32
	done := make(chan struct{})
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.TypeDeviceDeleted, func(ctx context.Context, msg *Message) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			close(done)
			return nil
		}))
	})

	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-3", []byte(`{}`))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("message not redelivered after panic")
	}
}

func TestPermanentFailureIsTerminated(t *testing.T) {
	_, conn := bustest.JetStream(t)
	m := metrics.New()

	var calls atomic.Int32
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.SubjectDeviceAll, Typed(func(ctx context.Context, ev *event.DeviceDeleted, msg *Message) error {
			calls.Add(1)
			return nil
		})))
	}, WithMetrics(m))

	// device_id missing: fails validation during decode.
	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-4", []byte(`{"user_id":"u1"}`))
	// Not JSON at all.
	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-5", []byte(`not json`))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsHandled.WithLabelValues(event.SubjectDeviceAll, metrics.OutcomeTerm)) == 2
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsHandled.WithLabelValues(event.SubjectDeviceAll, metrics.OutcomeNak)))
}

func TestDuplicateEventIDHandledOnce(t *testing.T) {
	_, conn := bustest.JetStream(t)
	m := metrics.New()

	var calls atomic.Int32
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.TypeDeviceDeleted, func(ctx context.Context, msg *Message) error {
			calls.Add(1)
			return nil
		}))
	}, WithMetrics(m))

	// Distinct stream messages carrying the same event_id, as after a
	// publisher retry outside the duplicate window.
	data := []byte(`{"device_id":"d1","user_id":"u1"}`)
	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-6", data)
	publishRaw(t, conn, event.TypeDeviceDeleted, event.TypeDeviceDeleted, "evt-6", data)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsHandled.WithLabelValues(event.TypeDeviceDeleted, metrics.OutcomeDuplicate)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTypedRejectsUnexpectedType(t *testing.T) {
	h := Typed(func(ctx context.Context, ev *event.DeviceDeleted, msg *Message) error { return nil })

	err := h(context.Background(), &Message{
		EventType: event.TypeDeviceRegistered,
		Data:      []byte(`{"device_id":"d1","user_id":"u1"}`),
	})
	assert.True(t, IsPermanent(err))

	err = h(context.Background(), &Message{EventType: "unknown.type", Data: []byte(`{}`)})
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, event.ErrUnknownType)
}

func TestCoreQueueSubscription(t *testing.T) {
	srv := bustest.Server(t)
	conn := bustest.Connect(t, srv, false)

	var mu sync.Mutex
	var subjects []string
	startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.SubjectInvitationAll, func(ctx context.Context, msg *Message) error {
			mu.Lock()
			subjects = append(subjects, msg.Subject)
			mu.Unlock()
			return errors.New("ignored without jetstream")
		}))
	})

	publishRaw(t, conn, event.TypeInvitationSent, event.TypeInvitationSent, "evt-7", []byte(`{}`))
	publishRaw(t, conn, event.TypeInvitationExpired, event.TypeInvitationExpired, "evt-8", []byte(`{}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjects) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleAfterStart(t *testing.T) {
	_, conn := bustest.JetStream(t)
	s := startSubscriber(t, conn, func(s *Subscriber) {
		require.NoError(t, s.Handle(event.SubjectMediaAll, func(context.Context, *Message) error { return nil }))
	})

	err := s.Handle(event.SubjectDeviceAll, func(context.Context, *Message) error { return nil })
	assert.ErrorIs(t, err, ErrRunning)
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
}

func TestHandleValidation(t *testing.T) {
	s, err := New(nil, testConfig())
	require.NoError(t, err)

	assert.Error(t, s.Handle("", func(context.Context, *Message) error { return nil }))
	assert.Error(t, s.Handle("device.>", nil))
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "sembus-billing_usage_recorded_all", DurableName("sembus", "billing.usage.recorded.>"))
	assert.Equal(t, "sembus-device_any", DurableName("sembus", "device.*"))
	assert.Equal(t, "sembus-media_file_uploaded", DurableName("sembus", "media.file.uploaded"))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
