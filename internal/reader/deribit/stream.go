package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionlevels/logger"
)

const (
	defaultWSURL      = "wss://www.deribit.com/ws/api/v2"
	heartbeatInterval = 30
	maxReconnectDelay = 30 * time.Second
	// A streamed price older than this falls back to REST.
	staleAfter = 2 * time.Minute
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *APIError       `json:"error"`
}

type subscriptionParams struct {
	Channel string `json:"channel"`
	Data    struct {
		IndexName string  `json:"index_name"`
		Price     float64 `json:"price"`
		Timestamp int64   `json:"timestamp"`
	} `json:"data"`
}

type heartbeatParams struct {
	Type string `json:"type"`
}

// IndexStream keeps the latest index price for one currency from the
// deribit_price_index channel. Spot falls back to REST when the stream has
// nothing fresh.
type IndexStream struct {
	url      string
	currency string
	rest     *Client

	mu      sync.RWMutex
	price   float64
	updated time.Time
	nextID  int64

	wg  sync.WaitGroup
	log *logger.Log
}

// NewIndexStream builds a stream. rest may be nil to disable the fallback.
func NewIndexStream(wsURL, currency string, rest *Client) *IndexStream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &IndexStream{
		url:      wsURL,
		currency: currency,
		rest:     rest,
		log:      logger.GetLogger(),
	}
}

func (s *IndexStream) channel() string {
	return "deribit_price_index." + indexName(s.currency)
}

// Start connects in the background and reconnects until ctx is done.
func (s *IndexStream) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait blocks until the stream goroutine exits.
func (s *IndexStream) Wait() {
	s.wg.Wait()
}

// Spot returns the streamed price, or the REST index when the stream is
// stale.
func (s *IndexStream) Spot(ctx context.Context) (float64, error) {
	if p, at := s.Latest(); p > 0 && time.Since(at) < staleAfter {
		return p, nil
	}
	if s.rest == nil {
		return 0, fmt.Errorf("no index price for %s", s.currency)
	}
	return s.rest.IndexPrice(ctx, s.currency)
}

// Latest returns the last streamed price and when it arrived.
func (s *IndexStream) Latest() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.updated
}

func (s *IndexStream) set(price float64) {
	s.mu.Lock()
	s.price = price
	s.updated = time.Now()
	s.mu.Unlock()
}

func (s *IndexStream) run(ctx context.Context) {
	defer s.wg.Done()
	log := s.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"channel": s.channel(),
	})

	delay := time.Second
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			log.Info("index stream stopped")
			return
		}
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("index stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *IndexStream) send(conn *websocket.Conn, mu *sync.Mutex, method string, params interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	s.nextID++
	return conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: s.nextID, Method: method, Params: params})
}

// session runs one connection until it fails or ctx is done.
func (s *IndexStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	if err := s.send(conn, &writeMu, "public/subscribe", map[string][]string{"channels": {s.channel()}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := s.send(conn, &writeMu, "public/set_heartbeat", map[string]int{"interval": heartbeatInterval}); err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}

	s.log.WithComponent("deribit_reader").WithFields(logger.Fields{
		"channel": s.channel(),
		"url":     s.url,
	}).Info("index stream connected")

	for {
		conn.SetReadDeadline(time.Now().Add(3 * heartbeatInterval * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}

		switch msg.Method {
		case "subscription":
			var p subscriptionParams
			if err := json.Unmarshal(msg.Params, &p); err != nil || p.Channel != s.channel() {
				continue
			}
			if p.Data.Price > 0 {
				s.set(p.Data.Price)
			}
		case "heartbeat":
			var hb heartbeatParams
			if err := json.Unmarshal(msg.Params, &hb); err == nil && hb.Type == "test_request" {
				if err := s.send(conn, &writeMu, "public/test", nil); err != nil {
					return fmt.Errorf("heartbeat reply: %w", err)
				}
			}
		}
	}
}
