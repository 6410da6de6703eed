// Package events runs the embedded NATS server and relays system events
// onto it. The relay is fire-and-forget: event delivery never blocks or
// fails an orchestration operation, and a nil *Relay is a no-op so core
// packages can take it optionally.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/bus"
	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
)

const serverStartTimeout = 5 * time.Second

// Server bundles the embedded NATS server with its client connection.
type Server struct {
	srv    *natsserver.Server
	conn   *nats.Conn
	logger *logging.Logger
}

// StartEmbeddedServer runs nats-server in-process and connects to it.
// cfg.Port of -1 picks a random port.
func StartEmbeddedServer(cfg config.EventsConfig, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           cfg.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(serverStartTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded nats server: %w", err)
	}
	logger.Info(context.Background(), "event server started", zap.String("url", srv.ClientURL()))
	return &Server{srv: srv, conn: conn, logger: logger}, nil
}

// Conn returns the client connection for subscribers.
func (s *Server) Conn() *nats.Conn {
	return s.conn
}

// ClientURL returns the connection URL of the embedded server.
func (s *Server) ClientURL() string {
	return s.srv.ClientURL()
}

// Close drains the connection and shuts the server down.
func (s *Server) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	s.logger.Info(context.Background(), "event server stopped")
}

// Event is the envelope published for every system event.
type Event struct {
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Relay publishes system events as JSON under a subject prefix
// (directord.bus.published, directord.workflow.completed, ...).
type Relay struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewRelay creates a relay publishing on nc under prefix.
func NewRelay(nc *nats.Conn, prefix string, logger *logging.Logger) *Relay {
	if prefix == "" {
		prefix = "directord"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{nc: nc, prefix: prefix, logger: logger}
}

// Emit publishes an event at <prefix>.<subject>. Failures are logged and
// swallowed; events are advisory.
func (r *Relay) Emit(ctx context.Context, subject string, data map[string]any) {
	if r == nil || r.nc == nil {
		return
	}
	full := r.prefix + "." + subject
	payload, err := json.Marshal(Event{
		Subject:   full,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		r.logger.Warn(ctx, "failed to marshal event", zap.String("subject", full), zap.Error(err))
		return
	}
	if err := r.nc.Publish(full, payload); err != nil {
		r.logger.Warn(ctx, "failed to publish event", zap.String("subject", full), zap.Error(err))
	}
}

// MessageEvent mirrors bus lifecycle transitions onto the event stream.
// Implements bus.EventSink.
func (r *Relay) MessageEvent(ctx context.Context, kind string, msg *bus.Message) {
	if r == nil || msg == nil {
		return
	}
	r.Emit(ctx, "bus."+kind, map[string]any{
		"id":       msg.ID,
		"type":     string(msg.Type),
		"sender":   msg.Sender,
		"receiver": msg.Receiver,
		"priority": string(msg.Priority),
		"seq":      msg.Seq,
	})
}

var _ bus.EventSink = (*Relay)(nil)
