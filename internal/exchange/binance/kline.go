package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/websocket"

	"github.com/shopspring/decimal"
)

// klineEvent is the payload of <symbol>@kline_<interval>
type klineEvent struct {
	Kline struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Close     string `json:"c"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func parseKlineEvent(message []byte) (core.Kline, error) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return core.Kline{}, err
	}
	if ev.Kline.Close == "" {
		return core.Kline{}, fmt.Errorf("kline event without close price")
	}
	c, err := decimal.NewFromString(ev.Kline.Close)
	if err != nil {
		return core.Kline{}, err
	}
	return core.Kline{
		OpenTime: time.UnixMilli(ev.Kline.OpenTime),
		Close:    c,
		Closed:   ev.Kline.IsClosed,
	}, nil
}

func (g *FuturesGateway) klineStreamURL(symbol, interval string) string {
	return fmt.Sprintf("%s/%s@kline_%s", g.wsBase, strings.ToLower(symbol), interval)
}

// SubscribeKlines streams candle updates to handler until ctx is cancelled.
// Reconnection is handled by the websocket client.
func (g *FuturesGateway) SubscribeKlines(ctx context.Context, symbol, interval string, handler func(core.Kline)) error {
	url := g.klineStreamURL(symbol, interval)
	log := g.logger.WithFields(map[string]interface{}{"stream": "kline", "interval": interval})

	client := websocket.NewClient(url, func(message []byte) {
		k, err := parseKlineEvent(message)
		if err != nil {
			log.Warn("Dropping malformed kline message", "error", err)
			return
		}
		handler(k)
	}, g.logger, websocket.Options{
		OnConnected: func() { log.Info("Kline stream connected", "url", url) },
		OnDisconnected: func(err error) {
			log.Warn("Kline stream disconnected", "error", err)
		},
	})

	err := client.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
