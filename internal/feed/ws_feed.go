package feed

import (
	"context"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"meanrev/internal/schema"
)

// wireTick is the generic push message this feed expects: a bare
// (symbol, price, ts) triple carrying no venue-specific fields.
type wireTick struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	TsUnixNano int64  `json:"ts"`
}

// WebSocketFeed implements Feed against any server pushing wireTick JSON
// frames, built on `pkg/ws.WebSocket` as a venue-agnostic transport.
type WebSocketFeed struct {
	wss    *ws.WebSocket
	ticks  chan schema.Tick
	cancel func()
}

// Dial connects to url and starts streaming ticks until ctx is cancelled
// or Close is called.
func Dial(ctx context.Context, url string) (*WebSocketFeed, error) {
	wss := ws.New(ctx, url)
	if err := wss.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start feed websocket")
	}

	ch, cancel := wss.Subscribe()
	f := &WebSocketFeed{wss: wss, ticks: make(chan schema.Tick, 1024), cancel: cancel}
	go f.run(ctx, ch)
	return f, nil
}

func (f *WebSocketFeed) run(ctx context.Context, ch <-chan []byte) {
	defer close(f.ticks)
	for {
		select {
		case <-sys.Shutdown():
			return
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			f.handle(ctx, m)
		}
	}
}

func (f *WebSocketFeed) handle(ctx context.Context, m []byte) {
	wt, ok := ws.ReadMessage[wireTick](m)
	if !ok {
		logs.Warnf("feed: dropped unreadable frame")
		return
	}
	price, err := decimal.NewFromString(wt.Price)
	if err != nil {
		logs.Warnf("feed: dropped tick with unparsable price %q", wt.Price)
		return
	}
	tick := schema.Tick{Symbol: wt.Symbol, Price: price, TS: time.Unix(0, wt.TsUnixNano)}
	select {
	case f.ticks <- tick:
	case <-ctx.Done():
	}
}

// Ticks returns the stream of decoded ticks.
func (f *WebSocketFeed) Ticks() <-chan schema.Tick { return f.ticks }

// Close disconnects the underlying websocket.
func (f *WebSocketFeed) Close() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wss.Close()
}
