package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/chat"
	"chatsync/internal/filestore"
	"chatsync/internal/storage"
	"chatsync/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, chatService *chat.Service, files filestore.FileStore, storage *storage.BboltStorage, addr string) *APIServer {
	server := ws.NewServer(authService, ws.NewHub(chatService))
	apiHandlers := api.New(authService, chatService, files, storage)
	authed := apiHandlers.RequireAuth

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", authed(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/logoff", authed(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/rooms", authed(apiHandlers.ChatsHandler))
	mux.HandleFunc("POST /api/rooms", authed(apiHandlers.CreateRoomHandler))
	mux.HandleFunc("GET /api/rooms/{id}", authed(apiHandlers.RoomHandler))
	mux.HandleFunc("GET /api/rooms/{id}/history", authed(apiHandlers.HistoryHandler))
	mux.HandleFunc("POST /api/rooms/{id}/join", authed(apiHandlers.JoinHandler))
	mux.HandleFunc("POST /api/rooms/{id}/leave", authed(apiHandlers.LeaveHandler))
	mux.HandleFunc("POST /api/rooms/{id}/members", authed(apiHandlers.InviteHandler))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{user}", authed(apiHandlers.KickHandler))
	mux.HandleFunc("PUT /api/rooms/{id}/members/{user}/role", authed(apiHandlers.RoleHandler))
	mux.HandleFunc("PATCH /api/rooms/{id}/settings", authed(apiHandlers.SettingsHandler))
	mux.HandleFunc("POST /api/blobs", authed(apiHandlers.UploadBlobHandler))
	mux.HandleFunc("GET /api/blobs/{id}", authed(apiHandlers.GetBlobHandler))
	mux.HandleFunc("POST /api/push/subscriptions", authed(apiHandlers.PushSubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Server() *http.Server {
	return s.server
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
