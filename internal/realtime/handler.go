package realtime

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/auth"
)

// Authenticator resolves the session behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.User, error)
}

// Handler upgrades authenticated requests to job status websocket connections.
type Handler struct {
	hub           *Hub
	authenticator Authenticator
	upgrader      websocket.Upgrader
	logger        logrus.FieldLogger
}

// NewHandler builds the upgrade endpoint. An empty allowedOrigins list, or one containing "*", accepts any
// origin.
func NewHandler(hub *Hub, authenticator Authenticator, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:           hub,
		authenticator: authenticator,
		logger:        hub.logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var user auth.User
	if h.authenticator != nil {
		authenticated, err := h.authenticator.Authenticate(r)
		if err != nil {
			auth.WriteAuthRequired(w, err)
			return
		}
		user = authenticated
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := newClient(h.hub, conn, user.Actor())
	h.hub.Register(client)
	h.hub.Send(client, MessageConnected, "", connectedData{ClientID: client.id, User: client.user})

	go client.WritePump()
	go client.ReadPump()
}
