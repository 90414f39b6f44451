package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection with typed publish helpers for the event
// surface consumed by the presentation layer.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("kanpe-core"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

func (c *Client) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) PublishCaption(evt protocol.CaptionEvent) error {
	return c.publish(protocol.SubjectCaption, evt)
}

func (c *Client) PublishAIResponse(evt protocol.AIResponseEvent) error {
	return c.publish(protocol.SubjectAIResponse, evt)
}

func (c *Client) PublishRecordingState(evt protocol.RecordingStateEvent) error {
	return c.publish(protocol.SubjectRecordingState, evt)
}

func (c *Client) PublishConnection(evt protocol.ConnectionEvent) error {
	return c.publish(protocol.SubjectConnection, evt)
}

func (c *Client) PublishSessionCompleted(evt protocol.SessionCompletedEvent) error {
	return c.publish(protocol.SubjectSessionCompleted, evt)
}
