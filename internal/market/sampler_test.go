package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/exchange"
)

type fakeBook struct {
	book *exchange.Orderbook
	err  error
}

func (f *fakeBook) GetOrderbook(ctx context.Context, market string) (*exchange.Orderbook, error) {
	return f.book, f.err
}

func TestSamplerTickBuildsBar(t *testing.T) {
	ts := time.Date(2026, 1, 5, 3, 0, 0, 500_000_000, time.UTC)
	book := &exchange.Orderbook{
		Market:    "KRW-BTC",
		Timestamp: ts.UnixMilli(),
		Units: []exchange.OrderbookUnit{
			{BidPrice: 99_990_000, AskPrice: 100_010_000, BidSize: 0.6, AskSize: 0.2},
			{BidPrice: 99_980_000, AskPrice: 100_020_000, BidSize: 0.4, AskSize: 0.3},
		},
	}

	state := NewState()
	queue := NewQueue(8)
	s := NewSampler("KRW-BTC", &fakeBook{book: book}, state, queue, zerolog.Nop())

	if err := s.Tick(context.Background(), ts); err != nil {
		t.Fatalf("Tick 不应报错: %v", err)
	}

	snap, ok := state.Get()
	if !ok {
		t.Fatal("应刷新共享快照")
	}
	if snap.BestBid != 99_990_000 || snap.BestAsk != 100_010_000 {
		t.Fatalf("应取第一档报价, 实际 %.0f/%.0f", snap.BestBid, snap.BestAsk)
	}
	if !snap.LastUpdate.Equal(time.UnixMilli(book.Timestamp).UTC()) {
		t.Fatalf("快照时间应来自交易所时间戳: %s", snap.LastUpdate)
	}

	bars := queue.Drain()
	if len(bars) != 1 {
		t.Fatalf("应入队 1 根 bar, 实际 %d", len(bars))
	}
	bar := bars[0]
	if !bar.TS.Equal(ts.Truncate(time.Second)) {
		t.Fatalf("bar 时间应按秒截断: %s", bar.TS)
	}
	if bar.MidClose == nil || *bar.MidClose != 100_000_000 {
		t.Fatalf("mid 不正确: %v", bar.MidClose)
	}
	if bar.SpreadBps == nil || math.Abs(*bar.SpreadBps-2) > 1e-9 {
		t.Fatalf("点差期望 2bps, 实际 %v", bar.SpreadBps)
	}

	// 名义不平衡: bid=99.99e6*0.6+99.98e6*0.4, ask=100.01e6*0.2+100.02e6*0.3
	bidN := 99_990_000*0.6 + 99_980_000*0.4
	askN := 100_010_000*0.2 + 100_020_000*0.3
	wantImb := (bidN - askN) / (bidN + askN)
	if bar.ImbNotional == nil || math.Abs(*bar.ImbNotional-wantImb) > 1e-12 {
		t.Fatalf("不平衡期望 %.6f, 实际 %v", wantImb, bar.ImbNotional)
	}
}

func TestSamplerTickErrors(t *testing.T) {
	state := NewState()
	queue := NewQueue(8)

	s := NewSampler("KRW-BTC", &fakeBook{err: errors.New("timeout")}, state, queue, zerolog.Nop())
	if err := s.Tick(context.Background(), time.Now()); err == nil {
		t.Fatal("抓取失败应报错")
	}

	s = NewSampler("KRW-BTC", &fakeBook{book: &exchange.Orderbook{Market: "KRW-BTC"}}, state, queue, zerolog.Nop())
	if err := s.Tick(context.Background(), time.Now()); err == nil {
		t.Fatal("空深度应报错")
	}
	if queue.Len() != 0 {
		t.Fatal("失败时不应入队")
	}
}
