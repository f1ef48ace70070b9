package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Illustrative ingress: any origin may open the snapshot stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const snapshotPushInterval = 5 * time.Second

// snapshotStream upgrades the connection and pushes the vault's current
// balances every snapshotPushInterval until the client disconnects or
// sends a close frame.
func (h *handler) snapshotStream(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	v, err := h.deps.Store.GetVaultByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain and discard client frames so the connection's read deadline
	// logic notices a close; the stream itself is push-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(snapshotPushInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb, err := h.deps.Tracker.GetBalances(ctx, v.ID)
			if err != nil {
				h.log.WithVault(v.ID).WithError(err).Warn("snapshot stream: fetch balances failed")
				continue
			}
			msg := struct {
				VaultID   string    `json:"vault_id"`
				Total     int64     `json:"total"`
				Locked    int64     `json:"locked"`
				Available int64     `json:"available"`
				UpdatedAt time.Time `json:"updated_at"`
			}{v.ID, cb.Total, cb.Locked, cb.Available, cb.UpdatedAt}

			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
