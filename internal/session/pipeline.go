package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/audio"
	"github.com/kanpelabs/kanpe-core/internal/caption"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/kanpelabs/kanpe-core/internal/store"
	"github.com/kanpelabs/kanpe-core/internal/stt"
)

// pipeline wires capture through recognition to the transcript for one
// session: per source, frames flow capturer -> resample -> stream, and
// results flow stream -> aggregator -> store/bus. Pausing closes the audio
// gate but leaves the streams connected.
type pipeline struct {
	id        string
	startedAt time.Time
	paused    atomic.Bool
	stopping  atomic.Bool

	agg       *caption.Aggregator
	capturers map[protocol.Source]audio.Capturer
	streams   map[protocol.Source]stt.Stream
	recorder  *audio.Recorder

	store      *store.Store
	bus        Bus
	log        *slog.Logger
	targetRate int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPipeline(ctx context.Context, cfg config.Config, settings store.Settings, id string, startedAt time.Time, provider stt.Provider, st *store.Store, bus Bus, log *slog.Logger) (*pipeline, error) {
	p := &pipeline{
		id:         id,
		startedAt:  startedAt,
		agg:        caption.New(id),
		capturers:  make(map[protocol.Source]audio.Capturer),
		streams:    make(map[protocol.Source]stt.Stream),
		store:      st,
		bus:        bus,
		log:        log.With(slog.String("session_id", id)),
		targetRate: cfg.STT.SampleRate,
	}

	sources := []struct {
		source protocol.Source
		sc     config.SourceConfig
	}{
		{protocol.SourceMic, cfg.Capture.Mic},
		{protocol.SourceSys, cfg.Capture.Sys},
	}

	cleanup := func() {
		for _, c := range p.capturers {
			c.Close()
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, s := range p.streams {
			s.Close(closeCtx)
		}
	}

	for _, entry := range sources {
		capturer, err := audio.NewCapturer(entry.source, entry.sc, cfg.Capture.QueueDepth, cfg.STT.SampleRate, 1, log)
		if err != nil {
			cleanup()
			return nil, err
		}
		if capturer == nil {
			continue
		}
		p.capturers[entry.source] = capturer

		stream, err := provider.Open(ctx, stt.Options{
			Source:         entry.source,
			Model:          settings.STTModel,
			Language:       settings.STTLanguage,
			InterimResults: settings.InterimResults,
			EndpointingMS:  settings.EndpointingMS,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		p.streams[entry.source] = stream
	}
	if len(p.capturers) == 0 {
		return nil, errors.New("no capture sources enabled")
	}

	if cfg.Capture.ArchiveDir != "" {
		sourceList := make([]protocol.Source, 0, len(p.capturers))
		for src := range p.capturers {
			sourceList = append(sourceList, src)
		}
		recorder, err := audio.NewRecorder(cfg.Capture.ArchiveDir, id, sourceList, cfg.STT.SampleRate)
		if err != nil {
			p.log.Warn("audio archive unavailable", slog.String("error", err.Error()))
		} else {
			p.recorder = recorder
		}
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	for src, capturer := range p.capturers {
		if err := capturer.Start(p.ctx); err != nil {
			cleanup()
			p.cancel()
			return nil, err
		}
		p.wg.Add(2)
		go p.forward(src, capturer, p.streams[src])
		go p.consumeResults(src, p.streams[src])
		go p.watchStatus(src, p.streams[src])
	}
	go p.watchBacklog()
	return p, nil
}

// watchBacklog periodically reports frames lost to backpressure so a stalled
// consumer shows up in the logs before the session ends.
func (p *pipeline) watchBacklog() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	last := make(map[protocol.Source]int64, len(p.capturers))
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		for src, capturer := range p.capturers {
			n := capturer.Dropped()
			if n > last[src] {
				p.log.Warn("capture frames dropped under backpressure",
					slog.String("source", string(src)),
					slog.Int64("dropped_total", n))
				last[src] = n
			}
		}
	}
}

// forward moves frames from one capturer into its stream. Two consecutive
// conversion failures abandon the source rather than feeding the recognizer
// garbage.
func (p *pipeline) forward(src protocol.Source, capturer audio.Capturer, stream stt.Stream) {
	defer p.wg.Done()
	reported := false
	defer func() {
		// Frames closing outside shutdown means the capture helper died.
		if !reported && p.ctx.Err() == nil && !p.stopping.Load() {
			p.log.Error("capture source ended unexpectedly",
				slog.String("source", string(src)),
				slog.String("error", audio.ErrCaptureInterrupted.Error()))
			p.publishConnection(src, protocol.ConnectionDisconnected)
		}
	}()
	failures := 0
	for frame := range capturer.Frames() {
		out, err := audio.Resample(frame, p.targetRate)
		if err != nil {
			failures++
			p.log.Warn("audio conversion failed",
				slog.String("source", string(src)),
				slog.String("error", err.Error()))
			if failures >= 2 {
				p.log.Error("audio conversion failing repeatedly, dropping source",
					slog.String("source", string(src)),
					slog.String("error", audio.ErrCaptureInterrupted.Error()))
				p.publishConnection(src, protocol.ConnectionDisconnected)
				reported = true
				return
			}
			continue
		}
		failures = 0

		if p.paused.Load() {
			continue
		}
		if err := p.recorder.Write(out); err != nil {
			p.log.Warn("audio archive write failed", slog.String("error", err.Error()))
		}
		if err := stream.Send(out.Data); err != nil {
			// The stream reports its own connection status; no extra event.
			p.log.Warn("stt send failed",
				slog.String("source", string(src)),
				slog.String("error", err.Error()))
			reported = true
			return
		}
	}
}

// consumeResults folds recognizer output into the transcript and fans it out.
func (p *pipeline) consumeResults(src protocol.Source, stream stt.Stream) {
	defer p.wg.Done()
	for r := range stream.Results() {
		p.applyUpdate(p.agg.Apply(src, r))
	}
}

func (p *pipeline) applyUpdate(upd caption.Update) {
	if err := p.bus.PublishCaption(upd.Event); err != nil {
		p.log.Warn("failed to publish caption", slog.String("error", err.Error()))
	}
	if !upd.Committed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.store.AppendCaption(ctx, store.Caption{
		SessionID: upd.Event.SessionID,
		Time:      upd.Event.Time,
		Source:    upd.Event.Source,
		Status:    upd.Event.Status,
		Text:      upd.Event.Text,
	})
	if err != nil {
		p.log.Error("failed to persist caption", slog.String("error", err.Error()))
	}
}

func (p *pipeline) watchStatus(src protocol.Source, stream stt.Stream) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case status := <-stream.Status():
			p.publishConnection(src, status)
		}
	}
}

func (p *pipeline) publishConnection(src protocol.Source, status protocol.ConnectionStatus) {
	if err := p.bus.PublishConnection(protocol.ConnectionEvent{Source: src, Status: status}); err != nil {
		p.log.Warn("failed to publish connection status", slog.String("error", err.Error()))
	}
}

// shutdown drains the pipeline in order: stop capture, flush recognition,
// commit trailing interims, close the archive.
func (p *pipeline) shutdown(ctx context.Context) {
	p.stopping.Store(true)
	for _, capturer := range p.capturers {
		capturer.Close()
	}

	closeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for _, stream := range p.streams {
		if err := stream.Close(closeCtx); err != nil {
			p.log.Warn("stt stream close failed", slog.String("error", err.Error()))
		}
	}
	p.wg.Wait()

	for _, upd := range p.agg.Flush() {
		p.applyUpdate(upd)
	}

	if err := p.recorder.Close(); err != nil {
		p.log.Warn("audio archive close failed", slog.String("error", err.Error()))
	}
	p.cancel()
}
