package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	JetStream      bool
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSSink publishes each notification on the subject named by its topic.
// Attributes travel as message headers; the body is the JSON notification.
type NATSSink struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sink, err := NewNATSSinkFromConn(conn, cfg.JetStream)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sink, nil
}

// NewNATSSinkFromConn wraps an existing connection. With jetStream set, publishes
// are acknowledged by the stream and deduplicated by message id.
func NewNATSSinkFromConn(conn *nats.Conn, jetStream bool) (*NATSSink, error) {
	s := &NATSSink{conn: conn}
	if jetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		s.js = js
	}
	return s, nil
}

func (s *NATSSink) Publish(ctx context.Context, n Notification) (string, error) {
	if s.conn == nil {
		return "", fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}

	id := uuid.NewString()
	msg := nats.NewMsg(n.Topic)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, id)
	for k, v := range n.Attributes {
		msg.Header.Set(k, v)
	}

	if s.js != nil {
		if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return "", fmt.Errorf("jetstream publish %s: %w", n.Topic, err)
		}
		return id, nil
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", n.Topic, err)
	}
	return id, nil
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
