/*
stream.go - Server-sent-events stream of balance changes

PURPOSE:
  Exposes the engine's balance notifier as an SSE endpoint so a desk
  terminal or reporting screen can watch one client's balance without
  polling. Each event carries the new balance and the handful of most
  recent transactions.

DELIVERY:
  At-least-once, matching the notifier: a slow consumer may miss
  intermediate balances but always converges on the latest one. A
  heartbeat comment keeps idle connections alive through proxies.

SEE ALSO:
  - ledger/notifier.go: Fan-out semantics
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledger-engine/ledger"
)

const streamHeartbeat = 15 * time.Second

type balanceEventDTO struct {
	ClientID string           `json:"client_id"`
	Balance  string           `json:"balance"`
	Recent   []TransactionDTO `json:"recent,omitempty"`
	At       string           `json:"at"`
}

// StreamBalance subscribes the HTTP connection to a client's balance
// updates and writes them as SSE "balance" events until the client
// disconnects.
func (h *Handler) StreamBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Account(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to open stream", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	updates, cancel := h.Engine.Notifier.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case u, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(balanceEventDTO{
				ClientID: string(u.ClientID),
				Balance:  u.Balance.String(),
				Recent:   toTransactionDTOs(u.Recent),
				At:       u.At.Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: balance\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
