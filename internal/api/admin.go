package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chatsync/internal/auth"
	"chatsync/internal/models"
)

type AdminHandler struct {
	authService *auth.AuthService
}

func NewAdminHandler(authService *auth.AuthService) *AdminHandler {
	return &AdminHandler{authService: authService}
}

type AddIdentityRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// AddIdentityHandler registers the user if needed and issues a new bearer
// token for it.
func (h *AdminHandler) AddIdentityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	if _, err := h.authService.AddUser(req.Username, req.DisplayName); err != nil && !errors.Is(err, auth.ErrUserExists) {
		writeJSON(w, http.StatusBadRequest, auth.IssueResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	resp, err := h.authService.IssueToken(req.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
