package payhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodyBytes caps inbound webhook bodies. Provider payloads are a few KB;
// anything near this limit is hostile.
const maxBodyBytes = 256 << 10

type webhookResponse struct {
	Outcome   Outcome `json:"outcome"`
	EventID   string  `json:"event_id,omitempty"`
	InvoiceID string  `json:"invoice_id,omitempty"`
	Replayed  bool    `json:"replayed,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// WebhookHandler returns a framework-neutral http.Handler for the provider's
// webhook endpoint. Mount it per billing entity and pass the entity in the
// "entity" query parameter, or mount it once and let tenant resolution pick
// the entity from the payload.
//
// Status codes follow redelivery semantics: 200 tells the provider the event
// is settled (including duplicates, replays and attribution skips), 401/400/413
// reject the delivery outright, and 500 asks for redelivery after a handler
// failure.
func (p *Processor) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				p.metrics.RecordWebhookError(p.provider, "payload_too_large")
				writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "request body too large"})
				return
			}
			p.metrics.RecordWebhookError(p.provider, "invalid_payload")
			writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "failed to read request body"})
			return
		}

		res, err := p.Process(r.Context(), Delivery{
			Body:            body,
			SignatureHeader: r.Header.Get(p.sigHeader),
			Entity:          r.URL.Query().Get("entity"),
		})
		if err != nil {
			writeJSON(w, statusForError(err), webhookResponse{Error: publicError(err)})
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{
			Outcome:   res.Outcome,
			EventID:   res.EventID,
			InvoiceID: res.InvoiceID,
			Replayed:  res.Replayed,
		})
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrUnknownBillingEntity),
		errors.Is(err, ErrEntityNotConfigured):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicError keeps handler internals out of responses the provider stores.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ErrInvalidSignature.Error()
	case errors.Is(err, ErrUnknownBillingEntity):
		return ErrUnknownBillingEntity.Error()
	case errors.Is(err, ErrEntityNotConfigured):
		return "webhook not configured"
	case errors.Is(err, ErrMalformedPayload):
		return err.Error()
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
