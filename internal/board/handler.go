package board

import (
	"strings"

	"github.com/quantsys/atabus/internal/event"
)

// Handler consumes the board lane and mirrors task lifecycle onto the board
// document. Handlers are idempotent: reapplying an event rewrites the same
// row.
type Handler struct {
	board *Board
}

// NewHandler builds the board lane handler.
func NewHandler(b *Board) *Handler {
	return &Handler{board: b}
}

// Handle applies one event to the board. A nil return acks the message.
func (h *Handler) Handle(ev event.Event) error {
	switch ev.Type {
	case event.TaskCreated:
		title, _ := ev.Payload["description"].(string)
		return h.board.Upsert(ev.CorrelationID, title, "ACTIVE", "", "")

	case event.TaskUpdated:
		status, ok := ev.Payload["status"].(string)
		if !ok {
			return nil
		}
		return h.board.SetStatus(ev.CorrelationID, strings.ToUpper(status), "", "")

	case event.VerdictGenerated:
		status, _ := ev.Payload["status"].(string)
		boardStatus := "DONE"
		if strings.EqualFold(status, "fail") {
			boardStatus = "FAILED"
		}
		return h.board.SetStatus(ev.CorrelationID, boardStatus, joinFailCodes(ev.Payload["fail_codes"]), "")
	}

	// SubtaskCompleted and metric events leave the board untouched.
	return nil
}

func joinFailCodes(v any) string {
	switch codes := v.(type) {
	case []string:
		return strings.Join(codes, ", ")
	case []any:
		parts := make([]string, 0, len(codes))
		for _, c := range codes {
			if s, ok := c.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
