package ws

import (
	"log"
	"net/http"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Resolve(token string) (models.User, error)
}

type Server struct {
	auth     Authenticator
	hub      messageHub
	upgrader *websocket.Upgrader
}

func NewServer(auth Authenticator, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins, clients authenticate with a token
			},
		},
	}
}

// Token extracts the bearer token from the token header, the token cookie or
// the token query parameter, in that order.
func Token(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := s.auth.Resolve(Token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.hub, ws, user.ID)
	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("websocket connection of %s closed: %v", user.ID, err)
	}
}
