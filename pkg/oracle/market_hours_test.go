// 文件: pkg/oracle/market_hours_test.go

package oracle

import (
	"testing"
	"time"
)

func TestIsOpenAt(t *testing.T) {
	cal := NewMarketCalendar()

	// 2025-01-01 是周三
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"Wednesday noon", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), true},
		{"Friday before close", time.Date(2025, 1, 3, 21, 59, 0, 0, time.UTC), true},
		{"Friday at close", time.Date(2025, 1, 3, 22, 0, 0, 0, time.UTC), false},
		{"Saturday", time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC), false},
		{"Sunday before open", time.Date(2025, 1, 5, 21, 59, 0, 0, time.UTC), false},
		{"Sunday at open", time.Date(2025, 1, 5, 22, 0, 0, 0, time.UTC), true},
		{"Monday early", time.Date(2025, 1, 6, 1, 0, 0, 0, time.UTC), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := cal.IsOpenAt(c.t); got != c.want {
				t.Errorf("IsOpenAt(%v) = %v, want %v", c.t, got, c.want)
			}
		})
	}
}

func TestNextOpen(t *testing.T) {
	cal := NewMarketCalendar()
	sundayOpen := time.Date(2025, 1, 5, 22, 0, 0, 0, time.UTC)

	// 周五收盘后 / 周六 / 周日开盘前 -> 都指向周日 22:00 UTC
	cases := []time.Time{
		time.Date(2025, 1, 3, 23, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 4, 4, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC),
	}
	for _, from := range cases {
		if got := cal.NextOpen(from); !got.Equal(sundayOpen) {
			t.Errorf("NextOpen(%v) = %v, want %v", from, got, sundayOpen)
		}
	}

	// 开盘中: 返回原时刻
	open := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := cal.NextOpen(open); !got.Equal(open) {
		t.Errorf("NextOpen(open time) = %v, want %v", got, open)
	}
}

func TestMarketStatus(t *testing.T) {
	cal := NewMarketCalendar()
	status := cal.MarketStatus()
	if status != StatusOpen && status != StatusClosedWeekend {
		t.Errorf("unexpected market status: %s", status)
	}
}
