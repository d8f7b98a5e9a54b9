package manager

// Event is a structured, user-visible notification emitted on the UI
// event channel; raw errors are never surfaced (spec.md §7), only a
// short message plus whatever fields the event kind carries.
type Event struct {
	Kind    string
	PeerID  string
	ChatID  string
	Message string
}

// Event kinds emitted by the manager.
const (
	EventPeerConnected        = "peer-connected"
	EventMessage              = "message"
	EventStatusUpdate         = "status-update"
	EventFileTransferComplete = "file-transfer-complete"
	EventError                = "error"
)

// emit is a non-blocking send to Events; a full channel drops the
// event with a log line rather than stalling the manager loop.
func (m *Manager) emit(ev Event) {
	select {
	case m.Events <- ev:
	default:
		m.logf("event channel full, dropping %s", ev.Kind)
	}
}
