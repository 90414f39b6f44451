package protocol

import "time"

// Source identifies where a stretch of audio came from.
type Source string

const (
	SourceMic Source = "MIC"
	SourceSys Source = "SYS"
)

// CaptionStatus distinguishes provisional from committed transcripts.
type CaptionStatus string

const (
	CaptionInterim CaptionStatus = "interim"
	CaptionFinal   CaptionStatus = "final"
)

// RecordingState is the per-session lifecycle value broadcast to observers.
type RecordingState string

const (
	RecordingStateRecording RecordingState = "recording"
	RecordingStatePaused    RecordingState = "paused"
	RecordingStateStopped   RecordingState = "stopped"
)

// ConnectionStatus is the externally visible STT link state. While automatic
// retry is in progress the status stays "reconnecting"; "disconnected" means
// retries were exhausted or the user stopped the session.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// CaptionEvent is a single caption line broadcast on the bus. An interim event
// supersedes the previous interim from the same source on the consumer side.
type CaptionEvent struct {
	SessionID string        `json:"session_id"`
	Time      time.Time     `json:"time"`
	Source    Source        `json:"source"`
	Status    CaptionStatus `json:"status"`
	Text      string        `json:"text"`
}

// AIResponseEvent carries a completed assist exchange.
type AIResponseEvent struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// RecordingStateEvent announces session lifecycle transitions.
type RecordingStateEvent struct {
	State     RecordingState `json:"state"`
	SessionID string         `json:"sessionId"`
}

// ConnectionEvent announces STT connection status changes per source.
type ConnectionEvent struct {
	Source Source           `json:"source"`
	Status ConnectionStatus `json:"status"`
}

// SessionCompletedEvent is emitted once per session after stop, carrying the
// generated title and summary.
type SessionCompletedEvent struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
}

const (
	SubjectCaption          = "caption.event"
	SubjectAIResponse       = "ai.response"
	SubjectRecordingState   = "recording.state"
	SubjectConnection       = "connection.status"
	SubjectSessionCompleted = "session.completed"
)
