package theatre

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"
)

// AdminServer exposes operational endpoints for a Node over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(node *Node, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		node:     node,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/sessions", as.handleSessions)
	mux.HandleFunc("/actors", as.handleActors)
	mux.HandleFunc("/actor", as.handleActor)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Name            string           `json:"name"`
	Addr            string           `json:"addr"`
	ProcessID       uint32           `json:"process_id"`
	ProtocolVersion string           `json:"protocol_version"`
	State           string           `json:"state"` // "running" or "draining"
	Connections     int              `json:"connections"`
	Sessions        int              `json:"sessions"`
	ActiveActors    int              `json:"active_actors"`
	RegisteredTypes []string         `json:"registered_types"`
	Routes          []string         `json:"routes"`
	Metrics         map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.node
	state := "running"
	if n.Host.draining.Load() {
		state = "draining"
	}

	writeJSON(w, statusResponse{
		Name:            n.Name(),
		Addr:            n.Addr(),
		ProcessID:       n.ProcessID(),
		ProtocolVersion: ProtocolVersion,
		State:           state,
		Connections:     n.Server.Connections(),
		Sessions:        len(n.Router.Sessions()),
		ActiveActors:    n.Host.ActiveActors(),
		RegisteredTypes: n.Host.registeredTypes(),
		Routes:          n.Router.Routes(),
		Metrics:         n.Metrics().Snapshot(),
	})
}

// sessionEntry is a single session in the GET /sessions response.
type sessionEntry struct {
	Endpoint     string `json:"endpoint"`
	Connected    bool   `json:"connected"`
	PeerName     string `json:"peer_name,omitempty"`
	PeerVersion  string `json:"peer_version,omitempty"`
	Breaker      string `json:"breaker"`
	BreakerTrips int64  `json:"breaker_trips"`
	Pending      int    `json:"pending"`
}

type sessionsResponse struct {
	Sessions []sessionEntry `json:"sessions"`
}

func (as *AdminServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := as.node.Router.Sessions()
	entries := make([]sessionEntry, 0, len(sessions))
	for ep, s := range sessions {
		e := sessionEntry{
			Endpoint:     ep,
			Breaker:      s.Breaker().State().String(),
			BreakerTrips: s.Breaker().Trips(),
			Pending:      s.Pending(),
		}
		if c := s.current(); c != nil {
			e.Connected = true
			e.PeerName = c.Peer().Name
			e.PeerVersion = c.Peer().Version
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Endpoint < entries[j].Endpoint })

	writeJSON(w, sessionsResponse{Sessions: entries})
}

// actorEntry is a single actor in the GET /actors response.
type actorEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	LastMessage string `json:"last_message,omitempty"`
	Pending     int    `json:"pending"`
}

type actorsResponse struct {
	Actors []actorEntry `json:"actors"`
}

func newActorEntry(a *Actor) actorEntry {
	status := "active"
	if a.GetStatus() != ActorStatusActive {
		status = "inactive"
	}
	e := actorEntry{
		Type:    a.ref.Type,
		ID:      a.ref.ID,
		Status:  status,
		Pending: a.Pending(),
	}
	if lastMsg := a.GetLastMessageTime(); !lastMsg.IsZero() {
		e.LastMessage = lastMsg.Format(time.RFC3339)
	}
	return e
}

func (as *AdminServer) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actors := as.node.Host.actors.All()
	entries := make([]actorEntry, len(actors))
	for i, a := range actors {
		entries[i] = newActorEntry(a)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].ID < entries[j].ID
	})

	writeJSON(w, actorsResponse{Actors: entries})
}

// actorResponse is the JSON structure for GET /actor?type=&id=. Endpoint
// is set when the actor type is not local and the router knows where it
// lives.
type actorResponse struct {
	Type     string      `json:"type"`
	ID       string      `json:"id"`
	Local    bool        `json:"local"`
	Found    bool        `json:"found"`
	Actor    *actorEntry `json:"actor,omitempty"`
	Endpoint string      `json:"endpoint,omitempty"`
}

func (as *AdminServer) handleActor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actorType := r.URL.Query().Get("type")
	actorID := r.URL.Query().Get("id")
	if actorType == "" || actorID == "" {
		http.Error(w, `missing "type" or "id" query parameter`, http.StatusBadRequest)
		return
	}

	n := as.node
	ref := NewRef(actorType, actorID)
	resp := actorResponse{Type: actorType, ID: actorID, Local: n.Host.HasType(actorType)}

	if resp.Local {
		if a := n.Host.actors.Lookup(ref); a != nil {
			e := newActorEntry(a)
			resp.Found = true
			resp.Actor = &e
		}
	} else if ep, err := n.Router.Resolve(ref.Address()); err == nil {
		resp.Endpoint = ep
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
