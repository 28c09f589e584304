package notify

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded launches an in-process NATS server and returns its client
// URL. Used when no external NATS URL is configured so single-binary
// deployments still get a working notification feed.
func StartEmbedded(host string, port int) (*natsserver.Server, string, error) {
	opts := &natsserver.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, "", fmt.Errorf("embedded nats server did not become ready")
	}
	return srv, srv.ClientURL(), nil
}
