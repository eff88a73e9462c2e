// Package httpserver exposes the bike session wire protocol:
// a POST handshake step followed by a WebSocket upgrade on the same path.
package httpserver

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coder/websocket"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/app/session"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/logging"
)

const (
	maxChallengeBodyBytes int64 = 1024
	connectPath                 = "/bikes/connect"
	socketReadLimit             = 32 * 1024

	// keyQueryParam carries the bike's public key on the WebSocket upgrade
	// request. The signed first frame is exactly signature
	// followed by challenge, with no room for the key; the ticket store is
	// keyed by (remote, key), so the upgrade request needs it out of band
	// to find the right ticket.
	keyQueryParam = "key"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	sessions *session.Manager
	log      logging.Logger
}

// NewHandler builds the HTTP handler that terminates the bike session
// handshake and upgrade.
func NewHandler(sessions *session.Manager, log logging.Logger) http.Handler {
	if log == nil {
		log = logging.Default()
	}
	server := &httpServer{sessions: sessions, log: log}
	mux := http.NewServeMux()
	mux.Handle(connectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.connect,
		http.MethodGet:  server.connect,
	}))
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

// connect dispatches on whether the request asks for a protocol upgrade: a
// plain POST is step one of the handshake (issue a challenge), a GET
// carrying an Upgrade header is step two (verify the signed challenge and
// promote the socket).
func (s *httpServer) connect(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		s.upgrade(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.beginHandshake(w, r)
}

// isUpgradeRequest reports whether r is asking to switch protocols to
// WebSocket, per RFC 6455 §4.1.
func isUpgradeRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *httpServer) beginHandshake(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r, maxChallengeBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var key fleet.PublicKey
	if len(body) != len(key) {
		writeError(w, http.StatusBadRequest, "public key must be exactly 32 bytes")
		return
	}
	copy(key[:], body)

	challenge, err := s.sessions.BeginHandshake(r.Context(), remoteAddr(r), key)
	if err != nil {
		writeHandshakeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(challenge[:])
}

// upgrade completes step two: accept the socket, read the first binary
// frame (64-byte signature followed by the 64-byte challenge), and hand it
// to the Bike Session Layer for verification and promotion.
func (s *httpServer) upgrade(w http.ResponseWriter, r *http.Request) {
	key, err := parseKeyParam(r.URL.Query().Get(keyQueryParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", logging.F("error", err.Error()))
		return
	}
	conn.SetReadLimit(socketReadLimit)

	ctx := context.Background()
	msgType, frame, err := conn.Read(ctx)
	if err != nil || msgType != websocket.MessageBinary || len(frame) != 128 {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected 128-byte signed challenge frame")
		return
	}

	var signature [64]byte
	copy(signature[:], frame[:64])

	if err := s.sessions.CompleteHandshake(ctx, remoteAddr(r), key, signature, newSocket(conn)); err != nil {
		s.log.Error("handshake failed", logging.F("bike", key.ShortID()), logging.F("error", err.Error()))
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
}

func parseKeyParam(raw string) (fleet.PublicKey, error) {
	var key fleet.PublicKey
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(key) {
		return key, errors.New("missing or malformed key query parameter")
	}
	copy(key[:], decoded)
	return key, nil
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeHandshakeError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.KindIdentityUnknown):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errs.Is(err, errs.KindTooManyTickets):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request, max int64) {
	r.Body = http.MaxBytesReader(w, r.Body, max)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", joinMethods(allowed))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func joinMethods(methods []string) string {
	out := methods[0]
	for _, m := range methods[1:] {
		out += ", " + m
	}
	return out
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	return allowed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
