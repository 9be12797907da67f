// Package remotetest runs an in-process fake of the remote service: auth
// endpoints that mint real JWTs and a scriptable realtime websocket endpoint.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/tether/internal/token"
	"github.com/amurg-ai/tether/internal/token/tokentest"
	"github.com/amurg-ai/tether/pkg/protocol"
)

// Code is the one-time login code accepted by the fake.
const Code = "123456"

// Server is a fake remote service.
type Server struct {
	*httptest.Server

	RefreshCalls atomic.Int32
	VerifyCalls  atomic.Int32
	LoginCalls   atomic.Int32
	WSConnects   atomic.Int32

	mu              sync.Mutex
	tokenTTL        time.Duration
	refreshFailures []int // statuses returned by successive refresh calls
	refreshDelay    time.Duration
	verifyValid     bool
	verifyFailures  []int
	refreshTokens   map[string]string // refresh token -> subject
	revoked         map[string]bool   // access tokens refused by /api/*
	callFailures    []int
	onConnect       func(*websocket.Conn)
	conns           chan *websocket.Conn
	received        chan protocol.Envelope
	seq             int
}

// New starts a fake service and registers cleanup with t.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		tokenTTL:      time.Hour,
		verifyValid:   true,
		refreshTokens: make(map[string]string),
		revoked:       make(map[string]bool),
		conns:         make(chan *websocket.Conn, 16),
		received:      make(chan protocol.Envelope, 64),
	}

	r := chi.NewRouter()
	r.Post(protocol.PathSendCode, s.handleSendCode)
	r.Post(protocol.PathLogin, s.handleLogin)
	r.Post(protocol.PathRefresh, s.handleRefresh)
	r.Get(protocol.PathVerify, s.handleVerify)
	r.Get("/ws", s.handleWS)
	r.Get("/api/profile", s.handleProfile)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the realtime channel URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// SetTokenTTL sets the lifetime of issued access tokens.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	s.tokenTTL = d
	s.mu.Unlock()
}

// FailRefresh makes the next len(statuses) refresh calls fail with the given
// HTTP statuses, in order.
func (s *Server) FailRefresh(statuses ...int) {
	s.mu.Lock()
	s.refreshFailures = append(s.refreshFailures, statuses...)
	s.mu.Unlock()
}

// SetRefreshDelay delays every refresh response.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// SetVerifyValid controls the "valid" field returned by verify.
func (s *Server) SetVerifyValid(v bool) {
	s.mu.Lock()
	s.verifyValid = v
	s.mu.Unlock()
}

// FailVerify makes the next verify calls fail with the given statuses.
func (s *Server) FailVerify(statuses ...int) {
	s.mu.Lock()
	s.verifyFailures = append(s.verifyFailures, statuses...)
	s.mu.Unlock()
}

// Revoke makes application endpoints answer 401 for accessToken while it
// still validates locally.
func (s *Server) Revoke(accessToken string) {
	s.mu.Lock()
	s.revoked[accessToken] = true
	s.mu.Unlock()
}

// FailCalls makes the next application calls fail with the given statuses.
func (s *Server) FailCalls(statuses ...int) {
	s.mu.Lock()
	s.callFailures = append(s.callFailures, statuses...)
	s.mu.Unlock()
}

// OnConnect installs a hook run for every accepted websocket connection
// before the read loop starts.
func (s *Server) OnConnect(fn func(*websocket.Conn)) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// Issue mints a token pair for subject and registers the refresh token.
func (s *Server) Issue(subject string) protocol.TokenResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(subject)
}

func (s *Server) issueLocked(subject string) protocol.TokenResponse {
	s.seq++
	now := time.Now()
	access := tokentest.Mint(tokentest.Params{Subject: subject, IssuedAt: now, Expires: now.Add(s.tokenTTL), ID: strconv.Itoa(s.seq)})
	refresh := "rt-" + subject + "-" + strconv.Itoa(s.seq)
	s.refreshTokens[refresh] = subject
	return protocol.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.tokenTTL / time.Second),
		User:         &protocol.UserSnapshot{ID: subject, Nickname: "user " + subject},
	}
}

// NextConn waits for the next accepted websocket connection.
func (s *Server) NextConn(t *testing.T, timeout time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// NextMessage waits for the next envelope the client sent.
func (s *Server) NextMessage(t *testing.T, timeout time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for client message")
		return protocol.Envelope{}
	}
}

// Push sends an envelope to the client on conn.
func Push(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("push %s: %v", msgType, err)
	}
}

// CloseWith sends a close frame carrying code.
func CloseWith(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = conn.Close()
}

// Drop closes the TCP connection without a close frame; the client observes
// an abnormal closure (1006).
func Drop(conn *websocket.Conn) {
	_ = conn.Close()
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.Code != Code {
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}
	writeJSON(w, http.StatusOK, s.Issue(req.Account))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	s.mu.Lock()
	delay := s.refreshDelay
	var fail int
	if len(s.refreshFailures) > 0 {
		fail = s.refreshFailures[0]
		s.refreshFailures = s.refreshFailures[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != 0 {
		writeError(w, fail, http.StatusText(fail))
		return
	}

	var req protocol.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	s.mu.Lock()
	subject, ok := s.refreshTokens[req.RefreshToken]
	if ok {
		delete(s.refreshTokens, req.RefreshToken)
	}
	var resp protocol.TokenResponse
	if ok {
		resp = s.issueLocked(subject)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh token rejected")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.VerifyCalls.Add(1)

	s.mu.Lock()
	valid := s.verifyValid
	var fail int
	if len(s.verifyFailures) > 0 {
		fail = s.verifyFailures[0]
		s.verifyFailures = s.verifyFailures[1:]
	}
	s.mu.Unlock()

	if fail != 0 {
		writeError(w, fail, http.StatusText(fail))
		return
	}

	res := token.Validate(bearer(r))
	if !res.Valid {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.VerifyResponse{
		Valid:    valid,
		UserInfo: &protocol.UserSnapshot{ID: res.Claims.SubjectID, Nickname: "user " + res.Claims.SubjectID},
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	revoked := s.revoked[bearer(r)]
	var fail int
	if len(s.callFailures) > 0 {
		fail = s.callFailures[0]
		s.callFailures = s.callFailures[1:]
	}
	s.mu.Unlock()

	if fail != 0 {
		writeError(w, fail, http.StatusText(fail))
		return
	}
	res := token.Validate(bearer(r))
	if !res.Valid || revoked {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.UserSnapshot{ID: res.Claims.SubjectID})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if res := token.Validate(r.URL.Query().Get("token")); !res.Valid {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSConnects.Add(1)

	s.mu.Lock()
	hook := s.onConnect
	s.mu.Unlock()

	select {
	case s.conns <- conn:
	default:
	}
	if hook != nil {
		hook(conn)
	}

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case s.received <- env:
		default:
		}
	}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Code: status, Message: msg})
}
