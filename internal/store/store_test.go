package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "kanpe.db")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), cfg, config.Default().Defaults, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	sess := Session{ID: "s1", Title: "New Session", CreatedAt: now, UpdatedAt: now, IsActive: true}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	id, ok, err := s.ActiveSessionID(ctx)
	if err != nil || !ok || id != "s1" {
		t.Fatalf("expected s1 active, got %q ok=%v err=%v", id, ok, err)
	}

	if err := s.FinalizeSession(ctx, "s1", "Budget sync", "Discussed Q3 budget.", 95, 2); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := s.SessionByID(ctx, "s1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got.IsActive || got.Title != "Budget sync" || got.DurationSeconds != 95 || got.Participants != 2 {
		t.Fatalf("unexpected finalized session: %+v", got)
	}

	if _, _, err := s.ActiveSessionID(ctx); err != nil {
		t.Fatalf("active lookup: %v", err)
	}
	if err := s.FinalizeSession(ctx, "missing", "x", "", 0, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCaptionOrderingAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, Session{ID: "s1", Title: "t", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Two captions share a timestamp; arrival order must break the tie.
	lines := []Caption{
		{SessionID: "s1", Time: base.Add(2 * time.Second), Source: protocol.SourceSys, Status: protocol.CaptionFinal, Text: "third"},
		{SessionID: "s1", Time: base, Source: protocol.SourceMic, Status: protocol.CaptionFinal, Text: "first"},
		{SessionID: "s1", Time: base, Source: protocol.SourceSys, Status: protocol.CaptionFinal, Text: "second"},
	}
	for _, c := range lines {
		if err := s.AppendCaption(ctx, c); err != nil {
			t.Fatalf("append caption: %v", err)
		}
	}

	got, err := s.CaptionsBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("list captions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 captions, got %d", len(got))
	}
	// Timestamp order with arrival-order tie break: the two base-time rows
	// keep insert order, the later row sorts last.
	if got[0].Text != "first" || got[1].Text != "second" || got[2].Text != "third" {
		t.Fatalf("unexpected order: %q %q %q", got[0].Text, got[1].Text, got[2].Text)
	}

	recent, err := s.RecentFinalCaptions(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("recent captions: %v", err)
	}
	if len(recent) != 2 || recent[0].Text != "second" || recent[1].Text != "third" {
		t.Fatalf("unexpected recent window: %+v", recent)
	}
}

func TestCaptionOrderingSubSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, Session{ID: "s1", Title: "t", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// 500ms vs 520ms: a variable-width fraction would compare "0.5Z" against
	// "0.52" lexically and put the later caption first.
	lines := []Caption{
		{SessionID: "s1", Time: base.Add(500 * time.Millisecond), Source: protocol.SourceMic, Status: protocol.CaptionFinal, Text: "early"},
		{SessionID: "s1", Time: base.Add(520 * time.Millisecond), Source: protocol.SourceSys, Status: protocol.CaptionFinal, Text: "late"},
	}
	for _, c := range lines {
		if err := s.AppendCaption(ctx, c); err != nil {
			t.Fatalf("append caption: %v", err)
		}
	}

	got, err := s.CaptionsBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("list captions: %v", err)
	}
	if len(got) != 2 || got[0].Text != "early" || got[1].Text != "late" {
		t.Fatalf("caption log misordered: %+v", got)
	}
	if !got[0].Time.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("sub-second timestamp not preserved: %v", got[0].Time)
	}
}

func TestRecordAssistIncrementsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, Session{ID: "s1", Title: "t", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 2; i++ {
		entry := AiLog{SessionID: "s1", Time: base.Add(time.Duration(i) * time.Minute), Type: "recap", Prompt: "p", Response: "r"}
		if err := s.RecordAssist(ctx, entry); err != nil {
			t.Fatalf("record assist: %v", err)
		}
	}

	sess, err := s.SessionByID(ctx, "s1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.AIAssists != 2 {
		t.Fatalf("expected 2 assists, got %d", sess.AIAssists)
	}

	logs, err := s.AiLogsBySession(ctx, "s1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("expected 2 ai logs, got %d err=%v", len(logs), err)
	}

	if err := s.RecordAssist(ctx, AiLog{SessionID: "missing", Time: base}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	if err := s.CreateSession(ctx, Session{ID: "s1", Title: "t", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.AppendCaption(ctx, Caption{SessionID: "s1", Time: base, Source: protocol.SourceMic, Status: protocol.CaptionFinal, Text: "hello"}); err != nil {
		t.Fatalf("append caption: %v", err)
	}
	if err := s.RecordAssist(ctx, AiLog{SessionID: "s1", Time: base, Type: "recap", Prompt: "p", Response: "r"}); err != nil {
		t.Fatalf("record assist: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.SessionByID(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	captions, err := s.CaptionsBySession(ctx, "s1")
	if err != nil || len(captions) != 0 {
		t.Fatalf("expected cascaded captions delete, got %d err=%v", len(captions), err)
	}
	logs, err := s.AiLogsBySession(ctx, "s1")
	if err != nil || len(logs) != 0 {
		t.Fatalf("expected cascaded ai log delete, got %d err=%v", len(logs), err)
	}
	if err := s.DeleteSession(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on repeat delete, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, Session{ID: "s1", Title: "Standup", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.AppendCaption(ctx, Caption{SessionID: "s1", Time: base, Source: protocol.SourceMic, Status: protocol.CaptionFinal, Text: "good morning"}); err != nil {
		t.Fatalf("append caption: %v", err)
	}

	raw, err := s.Export(ctx, "s1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var decoded SessionDetail
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if decoded.Session.ID != "s1" || len(decoded.Captions) != 1 || decoded.Captions[0].Text != "good morning" {
		t.Fatalf("export does not round-trip: %+v", decoded)
	}

	// Export reads only; the session must remain untouched.
	if _, err := s.SessionByID(ctx, "s1"); err != nil {
		t.Fatalf("session mutated by export: %v", err)
	}
}

func TestSettingsSeedAndPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.STTModel != "nova-3" || settings.STTLanguage != "en" || !settings.InterimResults || settings.EndpointingMS != 300 {
		t.Fatalf("unexpected seeded settings: %+v", settings)
	}

	model := "nova-2"
	interim := false
	tags := []string{"me"}
	updated, err := s.UpdateSettings(ctx, SettingsPatch{STTModel: &model, InterimResults: &interim, SelfSpeakers: &tags})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.STTModel != "nova-2" || updated.InterimResults || len(updated.SelfSpeakers) != 1 {
		t.Fatalf("patch not applied: %+v", updated)
	}
	// Untouched keys keep their values.
	if updated.EndpointingMS != 300 || updated.AutoDelete != "30days" {
		t.Fatalf("patch clobbered unrelated settings: %+v", updated)
	}

	bad := "later"
	if _, err := s.UpdateSettings(ctx, SettingsPatch{AutoDelete: &bad}); err == nil {
		t.Fatal("expected validation error for bad auto_delete")
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	old := now.Add(-40 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)
	if err := s.CreateSession(ctx, Session{ID: "old", Title: "t", CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.CreateSession(ctx, Session{ID: "fresh", Title: "t", CreatedAt: fresh, UpdatedAt: fresh}); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := s.CreateSession(ctx, Session{ID: "active", Title: "t", CreatedAt: old, UpdatedAt: old, IsActive: true}); err != nil {
		t.Fatalf("create active: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := s.SessionByID(ctx, "old"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	if _, err := s.SessionByID(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session pruned: %v", err)
	}
	if _, err := s.SessionByID(ctx, "active"); err != nil {
		t.Fatalf("active session pruned: %v", err)
	}

	never := "never"
	if _, err := s.UpdateSettings(ctx, SettingsPatch{AutoDelete: &never}); err != nil {
		t.Fatalf("set never: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune with never: %v", err)
	}
	if _, err := s.SessionByID(ctx, "fresh"); err != nil {
		t.Fatalf("prune with never deleted sessions: %v", err)
	}
}
