// Package admin exposes the operator API: room inspection and forced
// teardown over plain HTTP/JSON.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/rooms"
)

// Handler serves the operator API.
type Handler struct {
	registry *rooms.Registry
	pool     *engine.Pool
	started  time.Time
}

// NewHandler creates the operator API over the registry and worker pool.
func NewHandler(registry *rooms.Registry, pool *engine.Pool) *Handler {
	return &Handler{
		registry: registry,
		pool:     pool,
		started:  time.Now(),
	}
}

// Routes returns the operator mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/rooms", h.handleListRooms)
	mux.HandleFunc("GET /v1/rooms/{id}", h.handleGetRoom)
	mux.HandleFunc("DELETE /v1/rooms/{id}", h.handleCloseRoom)
	return mux
}

type statsResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Workers       int   `json:"workers"`
	Rooms         int   `json:"rooms"`
	Peers         int   `json:"peers"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	all := h.registry.Rooms()
	peers := 0
	for _, room := range all {
		peers += room.PeerCount()
	}
	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Workers:       h.pool.Size(),
		Rooms:         len(all),
		Peers:         peers,
	})
}

type roomSummary struct {
	ID        string    `json:"id"`
	Peers     int       `json:"peers"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	all := h.registry.Rooms()
	out := make([]roomSummary, 0, len(all))
	for _, room := range all {
		out = append(out, roomSummary{
			ID:        room.ID(),
			Peers:     room.PeerCount(),
			CreatedAt: room.CreatedAt(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

type consumerDetail struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
	PLICount   uint64 `json:"pli_count"`
	NACKCount  uint64 `json:"nack_count"`
}

type peerDetail struct {
	ID          string                  `json:"id"`
	DisplayName string                  `json:"display_name,omitempty"`
	State       string                  `json:"state"`
	Producers   []rooms.ProducerSummary `json:"producers"`
	Consumers   []consumerDetail        `json:"consumers"`
}

type roomDetail struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	RouterID  string       `json:"router_id"`
	Peers     []peerDetail `json:"peers"`
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	detail := roomDetail{
		ID:        room.ID(),
		CreatedAt: room.CreatedAt(),
		RouterID:  room.Router().ID(),
	}
	producers := room.ListProducers("")
	for _, p := range room.Peers() {
		own := make([]rooms.ProducerSummary, 0)
		for _, ps := range producers {
			if ps.PeerID == p.ID() {
				own = append(own, ps)
			}
		}
		consuming := make([]consumerDetail, 0)
		for _, c := range p.Consumers() {
			stats := c.Stats()
			consuming = append(consuming, consumerDetail{
				ID:         c.ID(),
				ProducerID: c.ProducerID(),
				Kind:       string(c.Kind()),
				PLICount:   stats.PLICount,
				NACKCount:  stats.NACKCount,
			})
		}
		detail.Peers = append(detail.Peers, peerDetail{
			ID:          p.ID(),
			DisplayName: p.DisplayName(),
			State:       string(p.State()),
			Producers:   own,
			Consumers:   consuming,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	util.Log(r.Context()).WithField("room_id", id).Info("operator closing room")
	h.registry.Remove(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
