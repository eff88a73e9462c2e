// Command fakebike simulates one bike speaking the bike connect wire
// protocol against a running fleetd: challenge/response handshake over
// HTTP, then a signed WebSocket upgrade, then JSON-RPC notifications and
// lock/unlock command handling for the life of the process.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

const (
	connectPath         = "/bikes/connect"
	keyQueryParam       = "key"
	maxReconnectWait    = 30 * time.Second
	locationUpdatePause = 5 * time.Second
	dialTimeout         = 10 * time.Second
)

// rpcFrame is the JSON-RPC 2.0 envelope used for both directions: requests
// from the fleet (lock/unlock) and notifications from the bike
// (location_update).
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type locationParams struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
	Bat  float64 `json:"bat"`
}

// bike holds one simulated bike's identity and mutable ride state.
type bike struct {
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	locked  bool
	battery float64
	lat     float64
	long    float64
}

func newBike(lat, long float64) (*bike, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &bike{
		pub:     pub,
		priv:    priv,
		locked:  true,
		battery: float64(40 + rand.Intn(61)),
		lat:     lat,
		long:    long,
	}, nil
}

func (b *bike) key() [32]byte {
	var k [32]byte
	copy(k[:], b.pub)
	return k
}

func main() {
	var (
		baseURL = flag.String("server", "http://localhost:8080", "fleetd base URL")
		lat     = flag.Float64("lat", 55.9521, "starting latitude")
		long    = flag.Float64("long", -3.1965, "starting longitude")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "fakebike ", log.LstdFlags|log.Lmicroseconds)

	b, err := newBike(*lat, *long)
	if err != nil {
		logger.Fatalf("create bike: %v", err)
	}
	logger.Printf("bike identity %s", hex.EncodeToString(b.pub)[:8])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runWithReconnect(ctx, logger, *baseURL, b)
	logger.Print("shutdown complete")
}

// runWithReconnect keeps the bike connected to the fleet, retrying the
// handshake and socket with exponential backoff until ctx is cancelled.
func runWithReconnect(ctx context.Context, logger *log.Logger, baseURL string, b *bike) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectWait

	for {
		if ctx.Err() != nil {
			return
		}

		if err := connectAndServe(ctx, logger, baseURL, b, backoffCfg); err != nil {
			logger.Printf("session ended: %v", err)
		}

		if ctx.Err() != nil {
			return
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		logger.Printf("reconnecting in %s", sleep)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// connectAndServe runs the handshake and one live socket session; it
// returns when the socket closes or ctx is cancelled.
func connectAndServe(ctx context.Context, logger *log.Logger, baseURL string, b *bike, backoffCfg *backoff.ExponentialBackOff) error {
	challenge, err := beginHandshake(ctx, baseURL, b)
	if err != nil {
		return fmt.Errorf("begin handshake: %w", err)
	}

	conn, err := completeHandshake(ctx, baseURL, b, challenge)
	if err != nil {
		return fmt.Errorf("complete handshake: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	backoffCfg.Reset()
	logger.Print("handshake complete, session live")

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	errCh := make(chan error, 2)
	go func() { errCh <- readLoop(sessionCtx, conn, b, logger) }()
	go func() { errCh <- locationLoop(sessionCtx, conn, b) }()

	err = <-errCh
	sessionCancel()
	<-errCh
	return err
}

// beginHandshake is step one of the handshake: POST the raw public key, get a
// 64-byte challenge back.
func beginHandshake(ctx context.Context, baseURL string, b *bike) ([64]byte, error) {
	var challenge [64]byte

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+connectPath, strings.NewReader(string(b.pub)))
	if err != nil {
		return challenge, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return challenge, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return challenge, fmt.Errorf("handshake rejected: %d %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) != len(challenge) {
		return challenge, fmt.Errorf("expected 64-byte challenge, got %d bytes (err %v)", len(body), err)
	}
	copy(challenge[:], body)
	return challenge, nil
}

// completeHandshake is step two: dial the WebSocket upgrade, carrying the
// bike's public key as a query parameter, then send the signed challenge as
// the first binary frame.
func completeHandshake(ctx context.Context, baseURL string, b *bike, challenge [64]byte) (*websocket.Conn, error) {
	wsURL, err := toWebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	key := b.key()
	wsURL += connectPath + "?" + url.Values{keyQueryParam: {hex.EncodeToString(key[:])}}.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	signature := ed25519.Sign(b.priv, challenge[:])
	frame := make([]byte, 0, 128)
	frame = append(frame, signature...)
	frame = append(frame, challenge[:]...)

	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "failed to send signed challenge")
		return nil, fmt.Errorf("write signed frame: %w", err)
	}
	return conn, nil
}

func toWebSocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	return parsed.String(), nil
}

// readLoop services lock/unlock requests from the fleet, responding with a
// JSON-RPC result.
func readLoop(ctx context.Context, conn *websocket.Conn, b *bike, logger *log.Logger) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Printf("malformed frame: %v", err)
			continue
		}
		if frame.ID == nil || frame.Method == "" {
			continue
		}

		switch frame.Method {
		case "lock":
			b.locked = true
		case "unlock":
			b.locked = false
		default:
			logger.Printf("unknown method %q", frame.Method)
			continue
		}

		result, _ := json.Marshal(b.locked)
		resp := rpcFrame{JSONRPC: "2.0", ID: frame.ID, Result: result}
		payload, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
		logger.Printf("applied %s, locked=%v", frame.Method, b.locked)
	}
}

// locationLoop periodically reports position and battery as a
// location_update notification, draining the battery slightly each tick.
func locationLoop(ctx context.Context, conn *websocket.Conn, b *bike) error {
	ticker := time.NewTicker(locationUpdatePause)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.lat += (rand.Float64() - 0.5) * 0.001
			b.long += (rand.Float64() - 0.5) * 0.001
			if b.battery > 0 {
				b.battery -= rand.Float64() * 0.2
			}

			params, err := json.Marshal(locationParams{Lat: b.lat, Long: b.long, Bat: b.battery})
			if err != nil {
				return err
			}
			frame := rpcFrame{JSONRPC: "2.0", Method: "location_update", Params: params}
			payload, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
