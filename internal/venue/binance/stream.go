package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	defaultWSURL    = "wss://fstream.binance.com/ws"
	reconnBaseDelay = 1 * time.Second
	reconnMaxDelay  = 30 * time.Second
	pingPeriod      = 15 * time.Second
)

// MarkStream keeps a live mark-price cache off the markPrice stream so the
// sentinel's 15s probe does not burn REST weight. The adapter falls back to
// REST when the cache is stale.
type MarkStream struct {
	wsURL   string
	symbols []string // venue-native, lowercase

	mu     sync.RWMutex
	marks  map[string]markEntry
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type markEntry struct {
	price decimal.Decimal
	at    time.Time
}

func NewMarkStream(wsURL string, venueSymbols []string) *MarkStream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	lower := make([]string, 0, len(venueSymbols))
	for _, s := range venueSymbols {
		lower = append(lower, strings.ToLower(s))
	}
	return &MarkStream{
		wsURL:   wsURL,
		symbols: lower,
		marks:   make(map[string]markEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *MarkStream) Start() {
	go s.runLoop()
}

func (s *MarkStream) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Mark returns the cached mark price; ok is false when absent or older
// than maxAge.
func (s *MarkStream) Mark(venueSymbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.marks[strings.ToLower(venueSymbol)]
	if !ok || time.Since(e.at) > maxAge {
		return decimal.Zero, false
	}
	return e.price, true
}

func (s *MarkStream) runLoop() {
	delay := reconnBaseDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			logger.Warn("binance stream connect failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			delay *= 2
			if delay > reconnMaxDelay {
				delay = reconnMaxDelay
			}
			continue
		}
		delay = reconnBaseDelay

		s.readLoop()
	}
}

func (s *MarkStream) connect() error {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, sym+"@markPrice@1s")
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL+"/"+strings.Join(streams, "/"), nil)
	if err != nil {
		return err
	}

	readTimeout := pingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				c := s.conn
				s.mu.Unlock()
				if c == nil {
					return
				}
				if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			}
		}
	}()

	return nil
}

type markMsg struct {
	EventType string `json:"e"` // "markPriceUpdate"
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

func (s *MarkStream) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	defer conn.Close()

	readTimeout := pingPeriod + 10*time.Second

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("binance stream read error", "error", err)
			return
		}

		var msg markMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.EventType != "markPriceUpdate" || msg.Symbol == "" {
			continue
		}
		px, err := decimal.NewFromString(msg.MarkPrice)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.marks[strings.ToLower(msg.Symbol)] = markEntry{price: px, at: time.Now()}
		s.mu.Unlock()
	}
}
