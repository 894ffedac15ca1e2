package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Name: "test", Interval: 5 * time.Second, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 1, 5, 3, 0, 2, 0, time.UTC)
	next := s.NextTick(now)
	want := time.Date(2026, 1, 5, 3, 0, 5, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, next)
	}

	// 恰好落在边界上应推进到下一个边界。
	next = s.NextTick(want)
	if !next.Equal(want.Add(5 * time.Second)) {
		t.Fatalf("边界时刻应取下一格: %s", next)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Name: "test", Interval: 3 * time.Second}, zerolog.Nop())
	now := time.Date(2026, 1, 5, 3, 0, 2, 0, time.UTC)
	if next := s.NextTick(now); !next.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("非对齐模式应为 now+interval: %s", next)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks++
		if ticks >= 2 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("取消后应返回 context.Canceled: %v", err)
	}
	if ticks < 2 {
		t.Fatalf("应至少执行 2 次: %d", ticks)
	}
}

func TestRunContinuesAfterTickError(t *testing.T) {
	s := New(Options{Name: "test", Interval: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks++
		if ticks >= 3 {
			cancel()
			return nil
		}
		return context.DeadlineExceeded
	})
	if err != context.Canceled {
		t.Fatalf("失败的 tick 不应终止循环: %v", err)
	}
	if ticks < 3 {
		t.Fatalf("报错后应继续执行: %d", ticks)
	}
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("非正间隔应 panic")
		}
	}()
	New(Options{Interval: 0}, zerolog.Nop())
}
