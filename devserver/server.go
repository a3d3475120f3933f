// Package devserver is a local stand-in for the build service: the REST
// endpoints the monitor calls and the /ws event channel, backed by an
// in-memory build table. Tests and the gobuild-devserver command use it.
package devserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gobuild/monitor/auth"
	"gobuild/monitor/buildstate"
	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

type WebSocketClient struct {
	conn     *websocket.Conn
	clientID string
	userID   string
	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

func (c *WebSocketClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	secret []byte
	router *mux.Router

	buildsMutex sync.RWMutex
	builds      map[string]*buildstate.Machine
	order       []string

	clients      map[string]*WebSocketClient
	clientsMutex sync.RWMutex
	upgrader     websocket.Upgrader
}

func New(secret []byte) *Server {
	s := &Server{
		secret:  secret,
		builds:  make(map[string]*buildstate.Machine),
		clients: make(map[string]*WebSocketClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/api/projects/{projectId}/builds", s.GetBuilds).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}", s.GetBuild).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}/cancel", s.CancelBuild).Methods("POST")
	r.HandleFunc("/api/builds/{buildId}/restart", s.RestartBuild).Methods("POST")
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router = r
	return s
}

// Handler requires a valid token on everything but /health and preflight
// requests.
func (s *Server) Handler() http.Handler {
	return auth.Middleware(s.secret, s.router)
}

// PutBuild adds or replaces a build.
func (s *Server) PutBuild(b model.Build) {
	s.buildsMutex.Lock()
	defer s.buildsMutex.Unlock()
	if _, ok := s.builds[b.ID]; !ok {
		s.order = append(s.order, b.ID)
	}
	s.builds[b.ID] = buildstate.NewMachine(b, time.Now)
}

func (s *Server) Build(id string) (model.Build, bool) {
	s.buildsMutex.RLock()
	defer s.buildsMutex.RUnlock()
	m, ok := s.builds[id]
	if !ok {
		return model.Build{}, false
	}
	return m.Build(), true
}

// Publish applies p to the build table when it is a build event and
// broadcasts it to every connected client.
func (s *Server) Publish(p message.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.apply(p); err != nil {
		return err
	}
	data, err := message.Encode(p)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

// PublishRaw sends data as is, for exercising malformed frames.
func (s *Server) PublishRaw(data []byte) {
	s.broadcast(data)
}

func (s *Server) apply(p message.Payload) error {
	s.buildsMutex.Lock()
	defer s.buildsMutex.Unlock()

	switch ev := p.(type) {
	case message.BuildStatusEvent:
		m, ok := s.builds[ev.BuildID]
		if !ok {
			return nil
		}
		return m.ApplyStatus(ev)
	case message.BuildStepEvent:
		m, ok := s.builds[ev.BuildID]
		if !ok {
			return nil
		}
		return m.ApplyStep(ev)
	}
	return nil
}

func (s *Server) broadcast(data []byte) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	for clientID, client := range s.clients {
		if err := client.write(data); err != nil {
			log.Printf("Failed to send message to client %s: %v", clientID, err)
			// The read loop cleans the client up.
		}
	}
}

func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// DropClients closes every websocket connection, as a restarting server
// would.
func (s *Server) DropClients() {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	for _, client := range s.clients {
		client.conn.Close()
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.UserClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &WebSocketClient{
		conn:     conn,
		clientID: uuid.New().String(),
		userID:   claims.ID,
	}

	s.clientsMutex.Lock()
	s.clients[client.clientID] = client
	s.clientsMutex.Unlock()
	log.Printf("Client %s connected for user %s", client.clientID, client.userID)

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, client.clientID)
		s.clientsMutex.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (s *Server) GetBuilds(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]

	s.buildsMutex.RLock()
	builds := make([]model.Build, 0)
	for _, id := range s.order {
		if b := s.builds[id].Build(); b.ProjectID == projectID {
			builds = append(builds, b)
		}
	}
	s.buildsMutex.RUnlock()

	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]
	b, ok := s.Build(buildID)
	if !ok {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

var errNotCancelable = errors.New("build is not queued or running")

func (s *Server) CancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]
	b, ok := s.Build(buildID)
	if !ok {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}
	if b.Status.Terminal() {
		http.Error(w, errNotCancelable.Error(), http.StatusConflict)
		return
	}

	if err := s.Publish(message.BuildStatusEvent{BuildID: buildID, Status: model.BuildCanceled}); err != nil {
		log.Printf("Failed to cancel build %s: %v", buildID, err)
		http.Error(w, "Failed to cancel build", http.StatusInternalServerError)
		return
	}
	log.Printf("Canceled build %s", buildID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) RestartBuild(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]
	old, ok := s.Build(buildID)
	if !ok {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}
	if !old.Status.Terminal() {
		http.Error(w, "Build is still in progress", http.StatusConflict)
		return
	}

	next := model.Build{
		ID:        uuid.New().String(),
		ProjectID: old.ProjectID,
		Status:    model.BuildQueued,
		Branch:    old.Branch,
		Commit:    old.Commit,
	}
	for _, step := range old.Steps {
		next.Steps = append(next.Steps, model.Step{
			ID:      step.ID,
			Name:    step.Name,
			Command: step.Command,
			Status:  model.StepQueued,
		})
	}
	s.PutBuild(next)

	if err := s.Publish(message.BuildStatusEvent{BuildID: next.ID, Status: model.BuildQueued}); err != nil {
		log.Printf("Failed to announce restarted build %s: %v", next.ID, err)
	}
	log.Printf("Restarted build %s as %s", buildID, next.ID)
	writeJSON(w, http.StatusCreated, next)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
