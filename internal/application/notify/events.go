package notify

import "github.com/bryanwahyu/automaton-review/internal/domain/analysis"

// Server to client event types.
const (
	EventSession   = "session"
	EventStatus    = "analysis_status"
	EventProgress  = "analysis_progress"
	EventCompleted = "analysis_completed"
	EventFailed    = "analysis_failed"
	EventCancelled = "analysis_cancelled"
	EventExpired   = "analysis_expired"
	EventTimeout   = "analysis_timeout"
	EventError     = "error"
)

// Event is one message pushed to a connection.
type Event struct {
	Type       string            `json:"type"`
	AnalysisID analysis.ID       `json:"analysis_id,omitempty"`
	Status     analysis.Status   `json:"status,omitempty"`
	Payload    any               `json:"payload,omitempty"`
	Result     string            `json:"result,omitempty"`
	Error      *analysis.Failure `json:"error,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// StatusEvent describes the record's current state without its result.
func StatusEvent(rec *analysis.Record) Event {
	return Event{Type: EventStatus, AnalysisID: rec.ID, Status: rec.Status}
}

// TerminalEvent maps a terminal record to the event announcing it.
func TerminalEvent(rec *analysis.Record) Event {
	ev := Event{AnalysisID: rec.ID, Status: rec.Status}
	switch rec.Status {
	case analysis.StatusCompleted:
		ev.Type = EventCompleted
		ev.Result = rec.Result
	case analysis.StatusFailed:
		ev.Type = EventFailed
		ev.Error = rec.Error
	case analysis.StatusCancelled:
		ev.Type = EventCancelled
	case analysis.StatusExpired:
		ev.Type = EventExpired
	default:
		ev.Type = EventStatus
	}
	return ev
}

// ErrorEvent is sent in reply to a bad client message.
func ErrorEvent(id analysis.ID, err error) Event {
	return Event{Type: EventError, AnalysisID: id, Message: err.Error()}
}
