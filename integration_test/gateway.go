package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"chatengine/internal/models"
)

// GatewayRequest is one call the engine made to the fake gateway.
type GatewayRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// FakeGateway mimics the WhatsApp HTTP gateway closely enough for the
// WhatsApp client: session lifecycle, QR retrieval, sends and media files.
type FakeGateway struct {
	server *httptest.Server

	mu        sync.Mutex
	statuses  map[string]string
	created   map[string]bool
	requests  []GatewayRequest
	nextID    int
	failSends int
	files     map[string][]byte
}

func NewFakeGateway() *FakeGateway {
	g := &FakeGateway{
		statuses: make(map[string]string),
		created:  make(map[string]bool),
		files:    make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{name}", g.handleSessionInfo)
	mux.HandleFunc("POST /api/sessions/{name}/start", g.handleSessionAction)
	mux.HandleFunc("POST /api/sessions/{name}/stop", g.handleSessionAction)
	mux.HandleFunc("GET /api/{name}/auth/qr", g.handleQR)
	mux.HandleFunc("POST /api/{endpoint}", g.handleSend)
	mux.HandleFunc("GET /files/{file}", g.handleFile)
	g.server = httptest.NewServer(mux)
	return g
}

func (g *FakeGateway) URL() string { return g.server.URL }

func (g *FakeGateway) Close() { g.server.Close() }

// SetStatus fixes the gateway status reported for a session name.
func (g *FakeGateway) SetStatus(session, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[session] = status
}

// FailNextSends makes the next n send calls answer with a 500.
func (g *FakeGateway) FailNextSends(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSends = n
}

// AddFile serves data under /files/<name> and returns its URL.
func (g *FakeGateway) AddFile(name string, data []byte) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files[name] = data
	return g.server.URL + "/files/" + name
}

// Requests returns the recorded calls whose path ends with suffix.
func (g *FakeGateway) Requests(suffix string) []GatewayRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GatewayRequest
	for _, r := range g.requests {
		if strings.HasSuffix(r.Path, suffix) {
			out = append(out, r)
		}
	}
	return out
}

func (g *FakeGateway) record(r *http.Request) map[string]interface{} {
	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, GatewayRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	return body
}

func (g *FakeGateway) status(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.statuses[name]; ok {
		return s
	}
	return models.GatewayStatusWorking
}

func (g *FakeGateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body := g.record(r)
	name, _ := body["name"].(string)
	g.mu.Lock()
	exists := g.created[name]
	g.created[name] = true
	g.mu.Unlock()
	if exists {
		writeGatewayJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "session already exists"})
		return
	}
	writeGatewayJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (g *FakeGateway) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	name := r.PathValue("name")
	writeGatewayJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"status": g.status(name),
		"me":     map[string]string{"id": "15550001@c.us", "pushName": "Support"},
	})
}

func (g *FakeGateway) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	writeGatewayJSON(w, http.StatusCreated, map[string]string{"name": r.PathValue("name")})
}

func (g *FakeGateway) handleQR(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	writeGatewayJSON(w, http.StatusOK, map[string]string{"value": "qr-" + r.PathValue("name")})
}

func (g *FakeGateway) handleSend(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	g.mu.Lock()
	fail := g.failSends > 0
	if fail {
		g.failSends--
	}
	g.nextID++
	id := fmt.Sprintf("true_5511999999999@c.us_OUT%d", g.nextID)
	g.mu.Unlock()

	if fail {
		writeGatewayJSON(w, http.StatusInternalServerError, map[string]string{"error": "engine restarting"})
		return
	}
	writeGatewayJSON(w, http.StatusCreated, map[string]interface{}{"id": map[string]string{"_serialized": id}})
}

func (g *FakeGateway) handleFile(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	data, ok := g.files[r.PathValue("file")]
	g.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func writeGatewayJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
