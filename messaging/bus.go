// Package messaging publishes environment events over NATS. Subjects follow
// env.<environment>.<kind>, so a subscriber can watch one event kind, one
// environment, or everything with the usual NATS wildcards.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Event is the wire form of an environment event.
type Event struct {
	Env     string          `json:"env"`
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subject returns the NATS subject for env and kind. Empty components
// become wildcards, for subscribing.
func Subject(env, kind string) string {
	if env == "" {
		env = "*"
	}
	if kind == "" {
		kind = "*"
	}
	return fmt.Sprintf("env.%s.%s", env, kind)
}

// Bus encapsulates a NATS connection and, when embedded, the server it
// belongs to.
type Bus struct {
	Conn *nats.Conn
	srv  *server.Server
}

// Connect dials an external NATS server.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Bus{Conn: nc}, nil
}

// Embedded starts an in-process NATS server on a free port and connects to
// it. Useful for single-machine runs that should not depend on an external
// broker.
func Embedded() (*Bus, error) {
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded nats server did not start")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	return &Bus{Conn: nc, srv: srv}, nil
}

// URL returns the client URL of the connected server.
func (b *Bus) URL() string {
	if b.srv != nil {
		return b.srv.ClientURL()
	}
	return b.Conn.ConnectedUrl()
}

// PublishEvent publishes an environment event. Publish failures are logged
// and dropped; events are telemetry, not state.
func (b *Bus) PublishEvent(env, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("messaging: marshal %s event: %v", kind, err)
		return
	}
	ev := Event{Env: env, Kind: kind, Time: time.Now().UTC(), Payload: raw}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("messaging: marshal event envelope: %v", err)
		return
	}
	if err := b.Conn.Publish(Subject(env, kind), data); err != nil {
		log.Printf("messaging: publish %s: %v", Subject(env, kind), err)
	}
}

// Subscribe registers a callback for events matching env and kind; either
// may be empty to match all. Messages that do not decode as events are
// dropped with a log line.
func (b *Bus) Subscribe(env, kind string, fn func(Event)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(Subject(env, kind), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("messaging: bad event on %s: %v", msg.Subject, err)
			return
		}
		fn(ev)
	})
}

// Close flushes and closes the connection and shuts down the embedded
// server if one was started.
func (b *Bus) Close() {
	if b.Conn != nil {
		b.Conn.Flush()
		b.Conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
	}
}
