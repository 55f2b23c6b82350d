package dashboard

import (
	"encoding/json"
	"log"
	"time"

	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
)

// RunStartedData announces a run.
type RunStartedData struct {
	RunID string `json:"run_id"`
}

// FileData describes the planner's decision for one file.
type FileData struct {
	RunID  string `json:"run_id"`
	Name   string `json:"name"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// RunCompleteData is the outcome of a run.
type RunCompleteData struct {
	Stats *imgsync.Stats `json:"stats,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Handler turns engine events into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	// Quiet suppresses per-file messages for files that need no work.
	Quiet bool
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

func (h *Handler) RunStarted(runID string) {
	h.send(MessageTypeRunStarted, RunStartedData{RunID: runID})
}

func (h *Handler) FileProcessed(runID, name string, action imgsync.Action, err error) {
	if h.Quiet && (action == imgsync.ActionProcessed || action == imgsync.ActionDuplicate) {
		return
	}
	data := FileData{RunID: runID, Name: name, Action: string(action)}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeFile, data)
}

func (h *Handler) RunFinished(stats *imgsync.Stats, err error) {
	data := RunCompleteData{Stats: stats}
	if err != nil {
		data.Error = err.Error()
	}
	msg, ok := h.message(MessageTypeRunComplete, data)
	if !ok {
		return
	}
	h.server.SetStatus(msg)
	h.server.Broadcast(msg)
}

func (h *Handler) send(typ MessageType, data any) {
	if msg, ok := h.message(typ, data); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(typ MessageType, data any) (Message, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, true
}

var _ imgsync.Observer = (*Handler)(nil)
