package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/chat"
	"chatsync/internal/content"
	"chatsync/internal/filestore"
	"chatsync/internal/models"
	"chatsync/internal/rooms"
	"chatsync/internal/storage"
	"chatsync/internal/ws"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxHistoryLimit = 1000

type API struct {
	auth     *auth.AuthService
	chat     *chat.Service
	files    filestore.FileStore
	storage  *storage.BboltStorage
	validate *validator.Validate
}

func New(auth *auth.AuthService, chat *chat.Service, files filestore.FileStore, storage *storage.BboltStorage) *API {
	return &API{
		auth:     auth,
		chat:     chat,
		files:    files,
		storage:  storage,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user models.User)

// RequireAuth resolves the request token before calling next.
func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Resolve(ws.Token(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	user.Presence = a.chat.Presence(user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request, _ models.User) {
	if err := a.auth.Logoff(ws.Token(r)); err != nil {
		log.Printf("failed to log off: %v", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	writeJSON(w, http.StatusOK, a.chat.Chats(user.ID))
}

type CreateRoomRequest struct {
	ID         string               `json:"id,omitempty" validate:"omitempty,max=128"`
	Name       string               `json:"name" validate:"required,max=128"`
	Visibility models.Visibility    `json:"visibility,omitempty" validate:"omitempty,oneof=public private direct"`
	Members    []string             `json:"members,omitempty" validate:"omitempty,dive,required"`
	Moderators []string             `json:"moderators,omitempty" validate:"omitempty,dive,required"`
	Settings   *models.RoomSettings `json:"settings,omitempty"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, models.InvalidRequest(err.Error()))
		return
	}
	room, err := a.chat.CreateRoom(r.Context(), rooms.CreateRequest{
		ID:         req.ID,
		Name:       content.SanitizeName(req.Name),
		Visibility: req.Visibility,
		Creator:    user.ID,
		Settings:   req.Settings,
		Members:    req.Members,
		Moderators: req.Moderators,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) RoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	room, err := a.chat.Room(r.PathValue("id"), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (a *API) JoinHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	room, err := a.chat.Join(r.PathValue("id"), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (a *API) LeaveHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if _, err := a.chat.Leave(r.PathValue("id"), user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type InviteRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// InviteHandler serves POST /api/rooms/{id}/members.
func (a *API) InviteHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req InviteRequest
	if !a.decode(w, r, &req) {
		return
	}
	room, err := a.chat.Invite(r.PathValue("id"), user.ID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// KickHandler serves DELETE /api/rooms/{id}/members/{user}.
func (a *API) KickHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	room, err := a.chat.Kick(r.PathValue("id"), user.ID, r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type RoleRequest struct {
	Role models.Role `json:"role" validate:"required,oneof=admin moderator member"`
}

// RoleHandler serves PUT /api/rooms/{id}/members/{user}/role.
func (a *API) RoleHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req RoleRequest
	if !a.decode(w, r, &req) {
		return
	}
	room, err := a.chat.SetRole(r.PathValue("id"), user.ID, r.PathValue("user"), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// SettingsHandler serves PATCH /api/rooms/{id}/settings.
func (a *API) SettingsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var patch models.SettingsPatch
	if !a.decode(w, r, &patch) {
		return
	}
	room, err := a.chat.UpdateSettings(r.PathValue("id"), user.ID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// decode reads and validates a JSON body. It writes the error reply itself.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeError(w, models.InvalidRequest(err.Error()))
		return false
	}
	return true
}

// HistoryResponse is the catch-up page of a room.
type HistoryResponse struct {
	Messages []models.Message `json:"messages"`
	HeadSeq  uint64           `json:"headSeq"`
	HeadRev  uint64           `json:"headRev"`
}

// HistoryHandler serves GET /api/rooms/{id}/history?since=N&limit=M. With
// sinceRev it also returns older messages mutated after that revision.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	q := r.URL.Query()
	since, err := queryUint(q.Get("since"))
	if err != nil {
		writeError(w, models.InvalidRequest("since must be a non-negative integer"))
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 || limit > maxHistoryLimit {
			writeError(w, models.InvalidRequest(fmt.Sprintf("limit must be between 0 and %d", maxHistoryLimit)))
			return
		}
	}

	roomID := r.PathValue("id")
	var resp HistoryResponse
	if v := q.Get("sinceRev"); v != "" {
		sinceRev, err := queryUint(v)
		if err != nil {
			writeError(w, models.InvalidRequest("sinceRev must be a non-negative integer"))
			return
		}
		msgs, head, err := a.chat.Changes(roomID, user.ID, since, sinceRev)
		if err != nil {
			writeError(w, err)
			return
		}
		resp = HistoryResponse{Messages: msgs, HeadSeq: head.Seq, HeadRev: head.Rev}
	} else {
		msgs, head, err := a.chat.History(roomID, user.ID, since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		resp = HistoryResponse{Messages: msgs, HeadSeq: head.Seq, HeadRev: head.Rev}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadBlobHandler stores the request body and returns the blob descriptor to
// attach to a blob message. The room query parameter scopes who may read it.
func (a *API) UploadBlobHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomID := r.URL.Query().Get("room")
	room, err := a.chat.Room(roomID, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !room.IsMember(user.ID) {
		writeError(w, models.ErrNotAMember)
		return
	}

	body := bufio.NewReader(r.Body)
	head, _ := body.Peek(262)
	typeTag, mimeType := content.DetectBlob(head)

	hash, size, err := a.files.Put(body)
	if err != nil {
		writeError(w, err)
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Type:      typeTag,
		Name:      content.SanitizeName(r.URL.Query().Get("name")),
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: time.Now().Unix(),
		UserID:    user.ID,
		RoomID:    roomID,
	}
	if err := a.storage.UpsertFileMetadata(meta); err != nil {
		writeError(w, models.Unavailable("failed to store file metadata", err))
		return
	}

	writeJSON(w, http.StatusCreated, meta.Blob())
}

func (a *API) GetBlobHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	meta, err := a.storage.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, models.Unavailable("failed to read file metadata", err))
		return
	}
	if _, err := a.chat.Room(meta.RoomID, user.ID); err != nil {
		http.NotFound(w, r)
		return
	}

	rc, err := a.files.Get(meta.Hash)
	if err != nil {
		log.Printf("blob %s has no content: %v", meta.ID, err)
		http.NotFound(w, r)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := bufio.NewReader(rc).WriteTo(w); err != nil {
		log.Printf("failed to send blob %s: %v", meta.ID, err)
	}
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(sub); err != nil {
		writeError(w, models.InvalidRequest(err.Error()))
		return
	}
	sub.UserID = user.ID
	if err := a.storage.UpsertPushSubscription(sub); err != nil {
		writeError(w, models.Unavailable("failed to store push subscription", err))
		return
	}
	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func queryUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps a classified error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	ce := models.AsError(err)
	status := http.StatusInternalServerError
	switch ce.Kind {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindForbidden:
		status = http.StatusForbidden
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindInvalid:
		status = http.StatusBadRequest
	case models.KindUnavailable:
		status = http.StatusServiceUnavailable
		log.Printf("request failed: %v", err)
	}
	if ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((ce.RetryAfter+time.Second-1)/time.Second)))
	}
	writeJSON(w, status, models.ErrorMessage("", ce).Error)
}
