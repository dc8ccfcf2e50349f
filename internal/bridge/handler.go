package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantsys/atabus/internal/event"
	"github.com/quantsys/atabus/internal/log"
)

// pushTimeout bounds one outbound delivery attempt.
const pushTimeout = 10 * time.Second

// Handler consumes the external-bridge lane: each event is converted to
// the external payload shape and pushed to the configured endpoint. With
// no endpoint configured events are logged and acked.
type Handler struct {
	bridge   *Bridge
	endpoint string
	token    string
	client   *http.Client
}

// NewHandler builds the lane handler. endpoint may be empty.
func NewHandler(b *Bridge, endpoint, token string) *Handler {
	return &Handler{
		bridge:   b,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: pushTimeout},
	}
}

// Handle pushes one event outbound. A nil return acks the message.
func (h *Handler) Handle(ev event.Event) error {
	payload, err := h.bridge.ConvertEvent(ev)
	if err != nil {
		return err
	}

	if h.endpoint == "" {
		log.Debug(log.CatBridge, "No external endpoint, event acked", "eventID", ev.EventID, "type", ev.Type)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing event %s: %w", ev.EventID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushing event %s: endpoint returned %d", ev.EventID, resp.StatusCode)
	}
	log.Debug(log.CatBridge, "Event pushed", "eventID", ev.EventID, "type", ev.Type)
	return nil
}
