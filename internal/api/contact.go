package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"

	"github.com/erazemk/lostfound/internal/store"
)

// ContactHandler stores submissions of the public contact form.
type ContactHandler struct {
	DB *sql.DB
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

const maxContactLength = 5000

// Submit handles POST /api/contact.
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Message = strings.TrimSpace(req.Message)
	if req.Name == "" || req.Email == "" || req.Message == "" {
		jsonError(w, http.StatusBadRequest, "name, email and message required")
		return
	}
	if !strings.Contains(req.Email, "@") {
		jsonError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if len(req.Message) > maxContactLength {
		jsonError(w, http.StatusBadRequest, "message too long")
		return
	}

	userID, _ := viewer(r)
	msg, err := store.CreateContactMessage(r.Context(), h.DB, req.Name, req.Email, req.Message, userID)
	if err != nil {
		slog.Error("failed to store contact message", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	slog.Info("contact message received", "id", msg.ID, "email", msg.Email)
	jsonResponse(w, http.StatusCreated, map[string]string{"message": "message received", "id": msg.ID})
}
