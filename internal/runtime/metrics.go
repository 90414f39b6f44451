package runtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kanpelabs/kanpe-core/internal/bus"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/kanpelabs/kanpe-core/internal/session"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// busMetrics mirrors the event surface into counters, so the Prometheus
// endpoint reflects pipeline activity without touching the hot path.
type busMetrics struct {
	subs []*nats.Subscription
	log  *slog.Logger

	captions    metric.Int64Counter
	assists     metric.Int64Counter
	states      metric.Int64Counter
	connections metric.Int64Counter
}

func observeBus(client *bus.Client, manager *session.Manager, log *slog.Logger) (*busMetrics, error) {
	meter := otel.Meter("kanpe-core")

	m := &busMetrics{log: log}
	var err error
	if m.captions, err = meter.Int64Counter("kanpe_captions_total",
		metric.WithDescription("Caption events by source and status")); err != nil {
		return nil, err
	}
	if m.assists, err = meter.Int64Counter("kanpe_assists_total",
		metric.WithDescription("Completed AI assist exchanges")); err != nil {
		return nil, err
	}
	if m.states, err = meter.Int64Counter("kanpe_recording_transitions_total",
		metric.WithDescription("Recording state transitions")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64Counter("kanpe_stt_connection_transitions_total",
		metric.WithDescription("STT connection status transitions by source")); err != nil {
		return nil, err
	}
	// Frame drops are pulled from the capturers at scrape time rather than
	// counted on the audio path.
	if _, err = meter.Int64ObservableCounter("kanpe_capture_frames_dropped_total",
		metric.WithDescription("Capture frames dropped under backpressure by source"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for src, n := range manager.CaptureDrops() {
				o.Observe(n, metric.WithAttributes(attribute.String("source", string(src))))
			}
			return nil
		})); err != nil {
		return nil, err
	}

	conn := client.Conn()
	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectCaption, m.onCaption},
		{protocol.SubjectAIResponse, m.onAssist},
		{protocol.SubjectRecordingState, m.onState},
		{protocol.SubjectConnection, m.onConnection},
	}
	for _, entry := range subscriptions {
		sub, err := conn.Subscribe(entry.subject, entry.handler)
		if err != nil {
			m.close()
			return nil, err
		}
		m.subs = append(m.subs, sub)
	}
	return m, nil
}

func (m *busMetrics) onCaption(msg *nats.Msg) {
	var evt protocol.CaptionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	m.captions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", string(evt.Source)),
			attribute.String("status", string(evt.Status))))
}

func (m *busMetrics) onAssist(*nats.Msg) {
	m.assists.Add(context.Background(), 1)
}

func (m *busMetrics) onState(msg *nats.Msg) {
	var evt protocol.RecordingStateEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	m.states.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", string(evt.State))))
}

func (m *busMetrics) onConnection(msg *nats.Msg) {
	var evt protocol.ConnectionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	m.connections.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", string(evt.Source)),
			attribute.String("status", string(evt.Status))))
}

func (m *busMetrics) close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
}
