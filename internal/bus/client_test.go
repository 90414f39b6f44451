package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/natsserver"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestPublishCaptionRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	busCfg := config.BusConfig{
		Embedded:       true,
		Port:           -1, // random free port
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("client should report healthy")
	}

	received := make(chan protocol.CaptionEvent, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectCaption, func(msg *nats.Msg) {
		var evt protocol.CaptionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Errorf("decode event: %v", err)
			return
		}
		received <- evt
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	want := protocol.CaptionEvent{
		SessionID: "s1",
		Time:      time.Now().UTC(),
		Source:    protocol.SourceMic,
		Status:    protocol.CaptionFinal,
		Text:      "hello world",
	}
	if err := client.PublishCaption(want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.SessionID != want.SessionID || got.Text != want.Text || got.Source != want.Source || got.Status != want.Status {
			t.Fatalf("round trip mismatch: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("caption event not delivered")
	}
}
