// Package bustest starts throwaway NATS servers for tests.
package bustest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/config"
)

// Server starts an embedded server with JetStream and registers its
// shutdown with t.
func Server(t testing.TB) *bus.Embedded {
	t.Helper()
	srv, err := bus.RunEmbedded(bus.EmbeddedOptions{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err, "start embedded NATS")
	t.Cleanup(srv.Shutdown)
	return srv
}

// Connect opens a connection to srv and registers its close with t.
func Connect(t testing.TB, srv *bus.Embedded, jetStream bool) *bus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := bus.Connect(ctx, srv.ClientURL(), bus.Options{
		Name:           t.Name(),
		MaxReconnects:  0,
		ConnectTimeout: 2 * time.Second,
		JetStream:      jetStream,
	})
	require.NoError(t, err, "connect to embedded NATS")
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

// JetStream starts a server, connects in JetStream mode and creates the
// default events stream.
func JetStream(t testing.TB) (*bus.Embedded, *bus.Conn) {
	t.Helper()
	srv := Server(t)
	conn := Connect(t, srv, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bus.EnsureStream(ctx, conn.JetStream(), config.DefaultConfig().NATS.Stream)
	require.NoError(t, err, "ensure stream")
	return srv, conn
}
