package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"mitienda-be/internal/logger"
	"mitienda-be/internal/payment"
	"mitienda-be/internal/utils"

	"go.uber.org/zap"
)

// Processor runs one recorded event through reconciliation. Satisfied by the
// reconcile engine; an interface here keeps the dependency one-directional.
type Processor interface {
	ProcessEvent(ctx context.Context, eventID, eventType string) error
}

type Handler struct {
	processor Processor
	gateway   payment.Gateway
	log       Log
}

func NewHandler(processor Processor, gateway payment.Gateway, log Log) *Handler {
	return &Handler{
		processor: processor,
		gateway:   gateway,
		log:       log,
	}
}

// notificationBody is the JSON fallback shape when the provider does not use
// query parameters. The body is a pointer to a payment, never a verdict.
type notificationBody struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	Data  struct {
		ID string `json:"id"`
	} `json:"data"`
}

// PaymentWebhookHandler receives provider notifications. It acknowledges with
// 200 once the event is durably recorded and either handled or permanently
// failed; 5xx invites the provider's own retry.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromCtx(ctx)

	if err := h.gateway.VerifySignature(r); err != nil {
		log.Warn("webhook signature rejected", zap.Error(err))
		utils.WriteJSONError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = r.URL.Query().Get("type")
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = r.URL.Query().Get("data.id")
	}

	if id == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			utils.WriteJSONError(w, "failed to read body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		var n notificationBody
		if err := json.Unmarshal(body, &n); err != nil {
			utils.WriteJSONError(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}

		if topic == "" {
			topic = n.Topic
			if topic == "" {
				topic = n.Type
			}
		}
		id = n.ID
		if n.Data.ID != "" {
			id = n.Data.ID
		}
	}

	if id == "" {
		utils.WriteJSONError(w, "missing notification id", http.StatusBadRequest)
		return
	}

	log = log.With(zap.String("event_id", id), zap.String("topic", topic))

	// Only payment notifications carry work for this service; everything
	// else is recorded for the audit trail and acknowledged so the
	// provider stops retrying it.
	if topic != "" && topic != "payment" && topic != "payment.updated" && topic != "payment.created" {
		fresh, err := h.log.RecordOrSkip(ctx, id, topic)
		if err != nil {
			log.Error("failed to record ignored event", zap.Error(err))
			utils.WriteJSONError(w, "processing failed", http.StatusInternalServerError)
			return
		}
		if fresh {
			if err := h.log.MarkProcessed(ctx, id); err != nil {
				log.Error("failed to close ignored event", zap.Error(err))
				utils.WriteJSONError(w, "processing failed", http.StatusInternalServerError)
				return
			}
		}
		log.Debug("ignoring non-payment topic")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.processor.ProcessEvent(ctx, id, topic); err != nil {
		log.Error("webhook processing failed, inviting provider retry", zap.Error(err))
		utils.WriteJSONError(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReprocessHandler resets a failed event and re-runs it asynchronously.
// Responds immediately; the operator polls the listing for the outcome.
func (h *Handler) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		var body struct {
			EventID string `json:"event_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			eventID = body.EventID
		}
	}
	if eventID == "" {
		utils.WriteJSONError(w, "missing event_id", http.StatusBadRequest)
		return
	}

	if err := h.log.Reset(ctx, eventID); err != nil {
		if err == ErrEventNotFound {
			utils.WriteJSONError(w, "event not found", http.StatusNotFound)
			return
		}
		utils.WriteJSONError(w, "failed to reset event", http.StatusInternalServerError)
		return
	}

	// Detach from the request so the reprocess outlives this response.
	bgCtx := logger.WithRequestID(context.Background(), logger.RequestIDFrom(ctx))
	go func() {
		if err := h.processor.ProcessEvent(bgCtx, eventID, "reprocess"); err != nil {
			logger.FromCtx(bgCtx).Error("async reprocess failed",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
	}()

	utils.WriteJSON(w, map[string]string{"status": "reprocessing"}, http.StatusAccepted)
}

// ListHandler returns the most recent events for operator visibility.
func (h *Handler) ListHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := h.log.List(r.Context(), limit)
	if err != nil {
		logger.FromCtx(r.Context()).Error("failed to list webhook events", zap.Error(err))
		utils.WriteJSONError(w, "failed to list events", http.StatusInternalServerError)
		return
	}

	type eventView struct {
		EventID      string `json:"event_id"`
		EventType    string `json:"event_type"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message,omitempty"`
		CreatedAt    string `json:"created_at"`
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			EventID:      e.EventID,
			EventType:    e.EventType,
			Status:       string(e.Status),
			ErrorMessage: utils.PtrString(e.ErrorMessage),
			CreatedAt:    e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	utils.WriteJSON(w, views, http.StatusOK)
}
