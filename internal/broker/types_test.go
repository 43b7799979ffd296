package broker

import (
	"testing"
	"time"
)

func TestParseOrderType(t *testing.T) {
	valid := []string{"BUY", "SELL", "BUY_LIMIT", "SELL_LIMIT", "BUY_STOP", "SELL_STOP"}
	for _, token := range valid {
		if _, ok := ParseOrderType(token); !ok {
			t.Errorf("ParseOrderType(%q) should succeed", token)
		}
	}
	for _, token := range []string{"", "buy", "HOLD", "TRADE", "CLOSE"} {
		if _, ok := ParseOrderType(token); ok {
			t.Errorf("ParseOrderType(%q) should fail", token)
		}
	}
}

func TestOrderTypeSide(t *testing.T) {
	if OrderTypeBuyStop.Side() != SideBuy || OrderTypeSellLimit.Side() != SideSell {
		t.Error("order type side mapping is wrong")
	}
	if !OrderTypeBuy.IsMarket() || OrderTypeBuyLimit.IsMarket() {
		t.Error("market classification is wrong")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("side inversion is wrong")
	}
}

func TestParseTimeframe(t *testing.T) {
	if tf := ParseTimeframe("m5"); tf != TimeframeM5 {
		t.Errorf("lowercase token should parse, got %s", tf)
	}
	if tf := ParseTimeframe(" H1 "); tf != TimeframeH1 {
		t.Errorf("padded token should parse, got %s", tf)
	}
	// 未识别的周期回落到当前图表周期，而不是报错。
	if tf := ParseTimeframe("H7"); tf != TimeframeCurrent {
		t.Errorf("unknown token should fall back, got %s", tf)
	}
	if got := TimeframeCurrent.String(); got != "CURRENT" {
		t.Errorf("unexpected current timeframe token %s", got)
	}
	if TimeframeM15.Duration() != 15*time.Minute {
		t.Error("timeframe duration mapping is wrong")
	}
}

func TestVenueErrorFormat(t *testing.T) {
	err := &VenueError{Retcode: RetcodeMarketClosed, Comment: "market closed"}
	if err.Error() != "10018 - market closed" {
		t.Errorf("unexpected venue error text %q", err.Error())
	}
}
