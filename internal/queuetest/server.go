// Package queuetest is an in-memory queue server speaking the wantq wire
// protocol. It backs the test helpers and is not meant for production use.
package queuetest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/internal/loggingutil"
)

// QueueIDLength is the length of a canonical queue identifier.
const QueueIDLength = 36

var errQueueNotFound = errors.New("queue does not exist")

type item struct {
	key   *string
	value string
}

type waiter struct {
	conn       *wsConn
	identifier string
	key        *string
}

type queue struct {
	id      string
	items   []item
	waiters []waiter
}

// Server is an in-memory implementation of the HTTP endpoints and the
// persistent want connection.
type Server struct {
	logger   pslog.Logger
	username string
	password string
	auth     bool
	upgrader websocket.Upgrader

	mu     sync.Mutex
	queues map[string]*queue
	order  []string
	conns  map[*wsConn]struct{}
	wants  []api.WantRequest
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes server logs to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBasicAuth requires the given credentials on every request.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
		s.auth = true
	}
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		queues: make(map[string]*queue),
		conns:  make(map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "queuetest.server")
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/queues", s.authenticated(s.handleQueues))
	mux.HandleFunc("/queue", s.authenticated(s.handleQueue))
	mux.HandleFunc("/put", s.authenticated(s.post(s.handlePut)))
	mux.HandleFunc("/take", s.authenticated(s.post(s.handleTake)))
	mux.HandleFunc("/peek", s.authenticated(s.post(s.handlePeek)))
	mux.HandleFunc("/take/ws", s.authenticated(s.handleWebSocket))
	return mux
}

// CreateQueue creates a queue directly. An empty name mints a new id.
func (s *Server) CreateQueue(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(name)
}

// Put stores an item directly and hands it to a matching waiter when one is
// registered.
func (s *Server) Put(queueID string, key *string, value string) error {
	return s.put(queueID, key, value)
}

// Len reports how many items are stored on a queue.
func (s *Server) Len(queueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queueID]; ok {
		return len(q.items)
	}
	return 0
}

// Waiting reports how many wants are parked on a queue.
func (s *Server) Waiting(queueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queueID]; ok {
		return len(q.waiters)
	}
	return 0
}

// Wants returns every want received so far, in arrival order.
func (s *Server) Wants() []api.WantRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.WantRequest, len(s.wants))
	copy(out, s.wants)
	return out
}

// Connections reports the number of open persistent connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every persistent connection. Parked wants are
// discarded with them.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.closeConn(c)
	}
}

// Broadcast writes a raw frame to every persistent connection.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

func (s *Server) createLocked(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = uuid.NewString()
	} else if len(name) != QueueIDLength {
		return "", errors.New("invalid queue id")
	}
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = &queue{id: name}
		s.order = append(s.order, name)
	}
	return name, nil
}

func (s *Server) lookupLocked(name string) (*queue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, errQueueNotFound
	}
	return q, nil
}

func (s *Server) put(queueID string, key *string, value string) error {
	s.mu.Lock()
	q, err := s.lookupLocked(queueID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	it := item{key: key, value: value}
	for i, w := range q.waiters {
		if w.key == nil || (key != nil && strings.EqualFold(*w.key, *key)) {
			q.waiters = append(q.waiters[:i:i], q.waiters[i+1:]...)
			s.mu.Unlock()
			if !s.deliver(w, it) {
				// The waiter's connection is gone; offer the item to the next one.
				return s.put(queueID, key, value)
			}
			return nil
		}
	}
	q.items = append(q.items, it)
	s.mu.Unlock()
	return nil
}

// takeLocked removes (or with peek, returns) the first item matching key.
func takeLocked(q *queue, key *string, peek bool) (item, bool) {
	for i, it := range q.items {
		if key == nil || (it.key != nil && strings.EqualFold(*it.key, *key)) {
			if !peek {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
			}
			return it, true
		}
	}
	return item{}, false
}

func (s *Server) deliver(w waiter, it item) bool {
	frame, err := successFrame(api.WantResponse{
		ID:   w.identifier,
		Item: &api.Item{Key: it.key, Value: it.value},
	})
	if err != nil {
		s.logger.Error("queuetest.ws.encode_failed", "error", err)
		return false
	}
	if err := w.conn.write(frame); err != nil {
		s.logger.Warn("queuetest.ws.deliver_failed", "want_id", w.identifier, "error", err)
		return false
	}
	return true
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok {
			writeFailure(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
		if !userOK || !passOK {
			writeFailure(w, http.StatusForbidden, "authentication failed")
			return
		}
		next(w, r)
	}
}

func (s *Server) post(next func(http.ResponseWriter, url.Values)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeFailure(w, http.StatusMethodNotAllowed, "method not supported")
			return
		}
		params, ok := readParams(w, r)
		if !ok {
			return
		}
		next(w, params)
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	params, ok := readParams(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		ids := make([]string, len(s.order))
		copy(ids, s.order)
		s.mu.Unlock()
		writeSuccess(w, ids)
	case http.MethodPost:
		s.mu.Lock()
		id, err := s.createLocked(params.Get("name"))
		s.mu.Unlock()
		if err != nil {
			writeFailure(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Debug("queuetest.queue.created", "queue", id)
		writeSuccess(w, id)
	default:
		writeFailure(w, http.StatusMethodNotAllowed, "method not supported")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	params, ok := readParams(w, r)
	if !ok {
		return
	}
	name, ok := validName(w, params)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost:
		s.mu.Lock()
		_, err := s.lookupLocked(name)
		s.mu.Unlock()
		if err != nil {
			writeFailure(w, http.StatusNotFound, err.Error())
			return
		}
		writeSuccess(w, api.QueueInfo{Name: name})
	case http.MethodDelete:
		s.mu.Lock()
		q, err := s.lookupLocked(name)
		if err == nil {
			delete(s.queues, name)
			for i, id := range s.order {
				if id == name {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
			q.waiters = nil
		}
		s.mu.Unlock()
		if err != nil {
			writeFailure(w, http.StatusNotFound, err.Error())
			return
		}
		writeSuccess(w, nil)
	default:
		writeFailure(w, http.StatusMethodNotAllowed, "method not supported")
	}
}

func (s *Server) handlePut(w http.ResponseWriter, params url.Values) {
	name, ok := validName(w, params)
	if !ok {
		return
	}
	if !params.Has("value") {
		writeFailure(w, http.StatusBadRequest, "missing parameter 'value'")
		return
	}
	if err := s.put(name, optionalParam(params, "key"), params.Get("value")); err != nil {
		writeFailure(w, http.StatusNotFound, err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleTake(w http.ResponseWriter, params url.Values) {
	s.fetch(w, params, false)
}

func (s *Server) handlePeek(w http.ResponseWriter, params url.Values) {
	s.fetch(w, params, true)
}

func (s *Server) fetch(w http.ResponseWriter, params url.Values, peek bool) {
	name, ok := validName(w, params)
	if !ok {
		return
	}
	s.mu.Lock()
	q, err := s.lookupLocked(name)
	var it item
	var found bool
	if err == nil {
		it, found = takeLocked(q, optionalParam(params, "key"), peek)
	}
	s.mu.Unlock()
	switch {
	case err != nil:
		writeFailure(w, http.StatusNotFound, err.Error())
	case !found && peek:
		writeFailure(w, http.StatusNotFound, "no item to peek")
	case !found:
		writeFailure(w, http.StatusNotFound, "no item to take")
	default:
		writeSuccess(w, api.Item{Key: it.key, Value: it.value})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("queuetest.ws.upgrade_failed", "error", err)
		return
	}
	conn := &wsConn{ws: ws}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("queuetest.ws.open", "remote", r.RemoteAddr)
	defer s.closeConn(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleWant(conn, data)
	}
}

func (s *Server) handleWant(conn *wsConn, data []byte) {
	var req api.WantRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.write(failureFrame("failed to read message"))
		return
	}
	if req.Identifier == "" {
		_ = conn.write(failureFrame("no identifier"))
		return
	}
	if req.Queue == "" {
		_ = conn.write(failureFrame("no queue"))
		return
	}
	s.mu.Lock()
	s.wants = append(s.wants, req)
	q, err := s.lookupLocked(req.Queue)
	if err != nil {
		s.mu.Unlock()
		_ = conn.write(failureFrame("queue not found"))
		return
	}
	w := waiter{conn: conn, identifier: req.Identifier, key: req.Key}
	it, found := takeLocked(q, req.Key, false)
	if !found {
		q.waiters = append(q.waiters, w)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if !s.deliver(w, it) {
		_ = s.put(req.Queue, it.key, it.value)
	}
}

func (s *Server) closeConn(conn *wsConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	for _, q := range s.queues {
		kept := q.waiters[:0]
		for _, w := range q.waiters {
			if w.conn != conn {
				kept = append(kept, w)
			}
		}
		q.waiters = kept
	}
	s.mu.Unlock()
	_ = conn.ws.Close()
	s.logger.Debug("queuetest.ws.closed")
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func readParams(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to read post body")
		return nil, false
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to read post body")
		return nil, false
	}
	return params, true
}

func validName(w http.ResponseWriter, params url.Values) (string, bool) {
	name := params.Get("name")
	if len(name) != QueueIDLength {
		writeFailure(w, http.StatusBadRequest, "invalid queue id")
		return "", false
	}
	return name, true
}

func optionalParam(params url.Values, name string) *string {
	if !params.Has(name) {
		return nil
	}
	return api.Key(params.Get(name))
}

// wireEnvelope mirrors the reference server, which always emits a message
// field and a null message on success.
type wireEnvelope struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
	Payload any     `json:"payload,omitempty"`
}

func successFrame(payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(wireEnvelope{Success: true, Payload: payload})
}

func failureFrame(message string) []byte {
	data, _ := json.Marshal(wireEnvelope{Success: false, Message: &message})
	return data
}

func writeSuccess(w http.ResponseWriter, payload any) {
	frame, err := successFrame(payload)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, failureFrame(message))
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
