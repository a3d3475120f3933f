package notifications

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"gobuild/monitor/shared/model"
)

// Handler serves the notification center over HTTP.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/notifications", h.List).Methods("GET")
	r.HandleFunc("/api/notifications", h.ClearAll).Methods("DELETE")
	r.HandleFunc("/api/notifications/read-all", h.MarkAllRead).Methods("POST")
	r.HandleFunc("/api/notifications/{id}/read", h.MarkRead).Methods("POST")
	r.HandleFunc("/api/notifications/{id}", h.Remove).Methods("DELETE")
}

type listResponse struct {
	Notifications []model.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items := h.store.List()
	if items == nil {
		items = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, listResponse{Notifications: items, Unread: h.store.UnreadCount()})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.MarkRead(id); err != nil {
		h.fail(w, id, err)
		return
	}
	n, _ := h.store.Get(id)
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	h.store.MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Remove(id); err != nil {
		h.fail(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.store.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}
	h.logger.Error("notification request failed", "id", id, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
