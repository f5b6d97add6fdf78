package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces engine events on the bus.
const SubjectPrefix = "notifications"

// natsConn is satisfied by *nats.Conn.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events on subjects notifications.<type>.
type NATSPublisher struct {
	conn natsConn
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
}

// Subject returns the subject an event is published on.
func Subject(evt Event) string {
	return SubjectPrefix + "." + evt.Type
}

// Publish implements Publisher. Events nobody would receive are dropped.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	if p == nil || p.conn == nil {
		return errors.New("notify: nats connection not configured")
	}
	if !evt.HasRecipients() {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", evt.Type, err)
	}
	if err := p.conn.Publish(Subject(evt), data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", Subject(evt), err)
	}
	return nil
}
