package caption

import (
	"sync"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/kanpelabs/kanpe-core/internal/stt"
)

// Line is one caption in the live transcript.
type Line struct {
	Source protocol.Source
	Status protocol.CaptionStatus
	Text   string
	Time   time.Time
}

// Update is the outcome of applying one recognizer result. Committed is true
// when the line became final and should be persisted.
type Update struct {
	Event     protocol.CaptionEvent
	Committed bool
}

// Aggregator merges per-source recognizer results into a single transcript.
// Each source owns one pending-interim slot: a new interim replaces the
// previous one rather than appending, and a final clears the slot and commits
// the line. Finals from different sources interleave by arrival.
type Aggregator struct {
	mu        sync.Mutex
	sessionID string
	pending   map[protocol.Source]Line
	committed []Line
}

func New(sessionID string) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		pending:   make(map[protocol.Source]Line),
	}
}

// Apply folds one recognizer result into the transcript.
func (a *Aggregator) Apply(source protocol.Source, r stt.Result) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	line := Line{Source: source, Text: r.Text, Time: r.Time}
	if r.IsFinal {
		line.Status = protocol.CaptionFinal
		delete(a.pending, source)
		a.committed = append(a.committed, line)
	} else {
		line.Status = protocol.CaptionInterim
		a.pending[source] = line
	}

	return Update{
		Event: protocol.CaptionEvent{
			SessionID: a.sessionID,
			Time:      line.Time,
			Source:    line.Source,
			Status:    line.Status,
			Text:      line.Text,
		},
		Committed: r.IsFinal,
	}
}

// Pending returns the current interim for a source, if any.
func (a *Aggregator) Pending(source protocol.Source) (Line, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	line, ok := a.pending[source]
	return line, ok
}

// Flush promotes any remaining interims to finals, in source order MIC before
// SYS for determinism. Used at session stop so trailing speech is kept.
func (a *Aggregator) Flush() []Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	var updates []Update
	for _, source := range []protocol.Source{protocol.SourceMic, protocol.SourceSys} {
		line, ok := a.pending[source]
		if !ok {
			continue
		}
		delete(a.pending, source)
		line.Status = protocol.CaptionFinal
		a.committed = append(a.committed, line)
		updates = append(updates, Update{
			Event: protocol.CaptionEvent{
				SessionID: a.sessionID,
				Time:      line.Time,
				Source:    line.Source,
				Status:    line.Status,
				Text:      line.Text,
			},
			Committed: true,
		})
	}
	return updates
}

// Committed returns the final lines in commit order.
func (a *Aggregator) Committed() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Line, len(a.committed))
	copy(out, a.committed)
	return out
}

// Participants counts the distinct sources that contributed final lines.
func (a *Aggregator) Participants() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[protocol.Source]struct{})
	for _, line := range a.committed {
		seen[line.Source] = struct{}{}
	}
	return len(seen)
}
