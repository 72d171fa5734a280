package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/pkg/types"
)

// BinanceConfig configures the live websocket feed.
type BinanceConfig struct {
	WSBaseURL      string        `json:"wsBaseUrl"`
	ReconnectDelay time.Duration `json:"reconnectDelay"`
}

// DefaultBinanceConfig returns the public stream endpoint.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		WSBaseURL:      "wss://stream.binance.com:9443/ws",
		ReconnectDelay: 5 * time.Second,
	}
}

// BinanceFeed subscribes to miniTicker streams and maintains the indicator
// book from live closes.
type BinanceFeed struct {
	logger *zap.Logger
	config BinanceConfig

	mu          sync.Mutex
	conn        *websocket.Conn
	instruments []string

	book    *indicatorBook
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type miniTickerMsg struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

// NewBinanceFeed creates a disconnected feed for the given instruments.
func NewBinanceFeed(logger *zap.Logger, config BinanceConfig, instruments []string) *BinanceFeed {
	return &BinanceFeed{
		logger:      logger.Named("binance-feed"),
		config:      config,
		instruments: instruments,
		book:        newIndicatorBook(),
	}
}

// Start connects and begins streaming. Reconnects with a fixed delay until
// the context is cancelled.
func (f *BinanceFeed) Start(ctx context.Context) error {
	if f.running.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	if err := f.connect(ctx); err != nil {
		f.running.Store(false)
		cancel()
		return err
	}
	f.wg.Add(1)
	go f.readLoop(ctx)
	return nil
}

// Stop closes the stream.
func (f *BinanceFeed) Stop() {
	if !f.running.Swap(false) {
		return
	}
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// Snapshot returns the latest indicator reading for an instrument.
func (f *BinanceFeed) Snapshot(ctx context.Context, instrument string) (*types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.book.snapshot(instrument, time.Now())
}

func (f *BinanceFeed) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.WSBaseURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.config.WSBaseURL, err)
	}

	params := make([]string, 0, len(f.instruments))
	for _, inst := range f.instruments {
		params = append(params, streamName(inst)+"@miniTicker")
	}
	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.logger.Info("stream connected", zap.Strings("streams", params))
	return nil
}

func (f *BinanceFeed) readLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || !f.running.Load() {
				return
			}
			f.logger.Warn("stream read failed, reconnecting", zap.Error(err))
			time.Sleep(f.config.ReconnectDelay)
			if err := f.connect(ctx); err != nil {
				f.logger.Error("reconnect failed", zap.Error(err))
			}
			continue
		}
		f.handleMessage(raw)
	}
}

func (f *BinanceFeed) handleMessage(raw []byte) {
	var msg miniTickerMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	volume, _ := strconv.ParseFloat(msg.Volume, 64)
	f.book.push(displayName(msg.Symbol), price, volume)
}

// streamName turns "BTC/USDT" into "btcusdt".
func streamName(instrument string) string {
	return strings.ToLower(strings.ReplaceAll(instrument, "/", ""))
}

// displayName turns "BTCUSDT" back into "BTC/USDT".
func displayName(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}
