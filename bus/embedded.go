package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedOptions configures an in-process NATS server.
type EmbeddedOptions struct {
	// Port to listen on; -1 picks a random free port.
	Port      int
	JetStream bool
	// StoreDir holds JetStream data. Empty uses a temporary directory.
	StoreDir string
}

// Embedded is an in-process NATS server.
type Embedded struct {
	srv *server.Server
}

// RunEmbedded starts an in-process server and waits until it accepts
// connections.
func RunEmbedded(opts EmbeddedOptions) (*Embedded, error) {
	port := opts.Port
	if port == 0 {
		port = -1
	}

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: opts.JetStream,
		StoreDir:  opts.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	return &Embedded{srv: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (e *Embedded) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
