package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

func TestFrameQueueDropsOldest(t *testing.T) {
	q := newFrameQueue(2)
	for i := 0; i < 5; i++ {
		q.push(Frame{Data: []byte{byte(i)}})
	}
	if q.droppedCount() != 3 {
		t.Fatalf("expected 3 dropped frames, got %d", q.droppedCount())
	}
	first := <-q.frames()
	second := <-q.frames()
	if first.Data[0] != 3 || second.Data[0] != 4 {
		t.Fatalf("expected newest frames to survive, got %d %d", first.Data[0], second.Data[0])
	}
}

func TestMockCapturerProducesFrames(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	capt := newMockCapturer(protocol.SourceMic, 8, 16000, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := capt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case f := <-capt.Frames():
		if f.Source != protocol.SourceMic || f.Rate != 16000 || f.Channels != 1 {
			t.Fatalf("unexpected frame format: %+v", f)
		}
		if len(f.Data) != 16000/50*2 {
			t.Fatalf("expected 20ms frame, got %d bytes", len(f.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame produced")
	}
	capt.Close()
}

func TestExecCapturerClassifiesStartErrors(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	// Helper present but not executable: the OS permission error surfaces.
	helper := filepath.Join(dir, "cap-helper")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	capt, err := newExecCapturer(protocol.SourceMic, helper, 4, 16000, 1, log)
	if err != nil {
		t.Fatalf("new capturer: %v", err)
	}
	if err := capt.Start(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	// Missing helper binary.
	capt, err = newExecCapturer(protocol.SourceSys, filepath.Join(dir, "no-such-helper"), 4, 16000, 1, log)
	if err != nil {
		t.Fatalf("new capturer: %v", err)
	}
	if err := capt.Start(ctx); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestPermissionFailureRecognizesHelperComplaints(t *testing.T) {
	if !permissionFailure(errors.New("exit status 1"), "cap-helper: Operation not permitted\n") {
		t.Fatal("stderr complaint not recognized")
	}
	if permissionFailure(errors.New("exit status 1"), "device busy\n") {
		t.Fatal("unrelated failure misclassified")
	}
}

func TestResamplePassthrough(t *testing.T) {
	in := Frame{Source: protocol.SourceMic, Data: []byte{1, 0, 2, 0}, Rate: 16000, Channels: 1}
	out, err := Resample(in, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if &out.Data[0] != &in.Data[0] {
		t.Fatal("expected passthrough without copy")
	}
}

func TestResampleDownmixesStereo(t *testing.T) {
	data := make([]byte, 8)
	for i, v := range []int16{100, 300, -100, -300} {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}

	out, err := Resample(Frame{Data: data, Rate: 16000, Channels: 2}, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out.Data) != 4 {
		t.Fatalf("expected 2 mono samples, got %d bytes", len(out.Data))
	}
	s0 := int16(binary.LittleEndian.Uint16(out.Data[0:]))
	s1 := int16(binary.LittleEndian.Uint16(out.Data[2:]))
	if s0 != 200 || s1 != -200 {
		t.Fatalf("unexpected downmix: %d %d", s0, s1)
	}
}

func TestResampleHalvesRate(t *testing.T) {
	data := make([]byte, 8)
	for i, v := range []int16{0, 100, 200, 300} {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}
	out, err := Resample(Frame{Data: data, Rate: 32000, Channels: 1}, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out.Data) != 4 || out.Rate != 16000 {
		t.Fatalf("unexpected output: %d bytes rate %d", len(out.Data), out.Rate)
	}
	s0 := int16(binary.LittleEndian.Uint16(out.Data[0:]))
	s1 := int16(binary.LittleEndian.Uint16(out.Data[2:]))
	if s0 != 0 || s1 != 200 {
		t.Fatalf("unexpected samples: %d %d", s0, s1)
	}
}

func TestResampleEmptyFrame(t *testing.T) {
	out, err := Resample(Frame{Source: protocol.SourceMic, Rate: 48000, Channels: 1}, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out.Data) != 0 || out.Rate != 16000 || out.Channels != 1 {
		t.Fatalf("unexpected empty-frame output: %+v", out)
	}
}

func TestResampleRejectsMisalignedData(t *testing.T) {
	if _, err := Resample(Frame{Data: []byte{1}, Rate: 16000, Channels: 1}, 16000); err == nil {
		t.Fatal("expected alignment error")
	}
	if _, err := Resample(Frame{Data: []byte{1, 0, 2, 0, 3, 0}, Rate: 16000, Channels: 2}, 16000); err == nil {
		t.Fatal("expected channel framing error")
	}
}

func TestRecorderWritesWav(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "s1", []protocol.Source{protocol.SourceMic}, 16000)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	data := make([]byte, 640)
	if err := rec.Write(Frame{Source: protocol.SourceMic, Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Frames from sources without an archive are ignored.
	if err := rec.Write(Frame{Source: protocol.SourceSys, Data: data}); err != nil {
		t.Fatalf("write unknown source: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "s1-MIC.wav"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("archive is not a valid wav file")
	}
}
