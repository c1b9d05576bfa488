// Package nats provides a minimal JetStream publishing client.
package nats

import (
	"context"
	"fmt"

	natsio "github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JetStream enabled.
type Client struct {
	conn *natsio.Conn
	js   natsio.JetStreamContext
}

// Connect dials the NATS server at url and initializes JetStream.
func Connect(url string) (*Client, error) {
	conn, err := natsio.Connect(url,
		natsio.Name("be-plt-approvals"),
		natsio.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	return &Client{conn: conn, js: js}, nil
}

// Publish sends data to subject, honoring ctx cancellation.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, natsio.Context(ctx))
	return err
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
