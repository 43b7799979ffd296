package bridge

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"mt5-bridge/internal/broker"
)

func newSimDispatcher(sim *broker.Sim) *Dispatcher {
	return NewDispatcher(sim, testTradeConfig(), nil, zap.NewNop())
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", resp.Status, resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %T", resp.Data)
	}
	return data
}

func dataList(t *testing.T, resp Response) []interface{} {
	t.Helper()
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", resp.Status, resp.Error)
	}
	list, ok := resp.Data.([]interface{})
	if !ok {
		t.Fatalf("expected data list, got %T", resp.Data)
	}
	return list
}

func assertFailure(t *testing.T, resp Response, want string) {
	t.Helper()
	if resp.Status != StatusError {
		t.Fatalf("expected error status, got %s with data %v", resp.Status, resp.Data)
	}
	if resp.Error != want {
		t.Errorf("unexpected error message: got %q want %q", resp.Error, want)
	}
}

func TestTradeMarketBuyFillsAtAsk(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"TRADE","symbol":"XAUUSD","type":"BUY","volume":0.1,"sl":1900.0,"tp":1925.0}`))
	data := dataMap(t, resp)

	if got := data["price"].(json.Number).String(); got != "1910.50000" {
		t.Errorf("market BUY should fill at ask: got %s", got)
	}
	if got := data["volume"].(json.Number).String(); got != "0.10" {
		t.Errorf("unexpected volume %s", got)
	}
	if data["retcode"] != broker.RetcodeDone {
		t.Errorf("unexpected retcode %v", data["retcode"])
	}
	if ticket := data["ticket"].(int64); ticket <= 0 {
		t.Errorf("unexpected ticket %d", ticket)
	}
}

func TestTradeMarketSellFillsAtBid(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"TRADE","symbol":"XAUUSD","type":"SELL","volume":0.1}`))
	data := dataMap(t, resp)

	if got := data["price"].(json.Number).String(); got != "1910.20000" {
		t.Errorf("market SELL should fill at bid: got %s", got)
	}
}

func TestTradeRejectsBeforeVenue(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"invalid token", `{"action":"TRADE","symbol":"XAUUSD","type":"HOLD","volume":0.1}`, "Invalid action"},
		{"missing token", `{"action":"TRADE","symbol":"XAUUSD","volume":0.1}`, "Invalid action"},
		{"zero volume", `{"action":"TRADE","symbol":"XAUUSD","type":"BUY","volume":0}`, "Invalid volume"},
		{"negative volume", `{"action":"TRADE","symbol":"XAUUSD","type":"BUY","volume":-0.5}`, "Invalid volume"},
		{"missing volume", `{"action":"TRADE","symbol":"XAUUSD","type":"BUY"}`, "Missing volume"},
		{"missing symbol", `{"action":"TRADE","type":"BUY","volume":0.1}`, "Missing symbol"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &brokerStub{}
			d := newStubDispatcher(stub)
			resp := d.Handle(context.Background(), mustRequest(t, tc.raw))
			assertFailure(t, resp, tc.want)
			if len(stub.calls) != 0 {
				t.Errorf("rejected trade must not reach the venue, got calls %v", stub.calls)
			}
		})
	}
}

func TestTradePendingOrderRegistered(t *testing.T) {
	sim := broker.NewSim()
	d := newSimDispatcher(sim)

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"TRADE","symbol":"XAUUSD","type":"BUY_LIMIT","volume":0.1,"price":1905.0}`))
	data := dataMap(t, resp)
	if got := data["price"].(json.Number).String(); got != "1905.00000" {
		t.Errorf("pending order should echo its limit price, got %s", got)
	}

	orders := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_ORDERS"}`)))
	if len(orders) != 1 {
		t.Fatalf("expected 1 pending order, got %d", len(orders))
	}
	order := orders[0].(map[string]interface{})
	if order["type"] != "BUY_LIMIT" || order["state"] != "PLACED" {
		t.Errorf("unexpected order record %v", order)
	}
}

func TestTradeUnknownSymbol(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())
	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"TRADE","symbol":"NOPEUSD","type":"BUY","volume":0.1}`))
	assertFailure(t, resp, "Symbol not found")
}

func TestCloseFullPosition(t *testing.T) {
	sim := broker.NewSim()
	ticket := sim.AddPosition(broker.Position{
		Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.5, OpenPrice: 1900,
	})
	d := newSimDispatcher(sim)

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"CLOSE","ticket":`+jsonInt(ticket)+`}`))
	data := dataMap(t, resp)
	if data["ticket"].(int64) <= ticket {
		t.Errorf("close deal should get a fresh ticket, got %v", data["ticket"])
	}

	positions := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	if len(positions) != 0 {
		t.Errorf("position should be gone after full close, got %d", len(positions))
	}
}

func TestCloseNotFound(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())
	resp := d.Handle(context.Background(), mustRequest(t, `{"action":"CLOSE","ticket":999}`))
	assertFailure(t, resp, "Position not found")
}

func TestCloseAllFiltersByMagic(t *testing.T) {
	sim := broker.NewSim()
	for i := 0; i < 3; i++ {
		sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.1})
	}
	foreign := sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideSell, Magic: 777, Volume: 0.1})
	d := newSimDispatcher(sim)

	data := dataMap(t, d.Handle(context.Background(), mustRequest(t, `{"action":"CLOSE_ALL"}`)))
	if data["closed"] != 3 || data["failed"] != 0 {
		t.Fatalf("expected closed=3 failed=0, got %v", data)
	}

	positions := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	if len(positions) != 1 {
		t.Fatalf("foreign position must survive, got %d left", len(positions))
	}
	if positions[0].(map[string]interface{})["ticket"].(int64) != foreign {
		t.Errorf("wrong survivor: %v", positions[0])
	}
}

func TestCloseAllKeepsGoingOnFailure(t *testing.T) {
	sim := broker.NewSim()
	sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.1})
	bad := sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.1})
	sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.1})
	sim.FailTicket(bad)
	d := newSimDispatcher(sim)

	data := dataMap(t, d.Handle(context.Background(), mustRequest(t, `{"action":"CLOSE_ALL"}`)))
	if data["closed"] != 2 || data["failed"] != 1 {
		t.Fatalf("expected closed=2 failed=1, got %v", data)
	}

	positions := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	if len(positions) != 1 || positions[0].(map[string]interface{})["ticket"].(int64) != bad {
		t.Errorf("only the failing position should remain, got %v", positions)
	}
}

func TestGetHistoryInvertedRange(t *testing.T) {
	stub := &brokerStub{}
	d := newStubDispatcher(stub)

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"GET_HISTORY","from":2000000000,"to":1000000000}`))
	list := dataList(t, resp)
	if len(list) != 0 {
		t.Errorf("inverted range should yield an empty list, got %v", list)
	}
	if len(stub.calls) != 0 {
		t.Errorf("inverted range must not reach the venue, got calls %v", stub.calls)
	}
}

func TestGetHistoryFiltersRange(t *testing.T) {
	sim := broker.NewSim()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sim.AddDeal(broker.Deal{Symbol: "XAUUSD", Type: broker.SideBuy, Entry: "IN", Volume: 0.1, Price: 1900, Time: base})
	sim.AddDeal(broker.Deal{Symbol: "XAUUSD", Type: broker.SideSell, Entry: "OUT", Volume: 0.1, Price: 1910, Time: base.Add(48 * time.Hour)})
	d := newSimDispatcher(sim)

	req := mustRequest(t, `{"action":"GET_HISTORY","from":`+jsonInt(base.Unix())+`,"to":`+jsonInt(base.Add(24*time.Hour).Unix())+`}`)
	list := dataList(t, d.Handle(context.Background(), req))
	if len(list) != 1 {
		t.Fatalf("expected 1 deal in range, got %d", len(list))
	}
	deal := list[0].(map[string]interface{})
	if deal["entry"] != "IN" || deal["time"].(int64) != base.Unix() {
		t.Errorf("unexpected deal %v", deal)
	}
}

func TestModifyNotFound(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())
	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"MODIFY","ticket":999,"sl":1900.0,"tp":1950.0}`))
	assertFailure(t, resp, "Position not found")
}

func TestModifyOmittedFieldsClearProtection(t *testing.T) {
	sim := broker.NewSim()
	ticket := sim.AddPosition(broker.Position{
		Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.1,
		StopLoss: 1890, TakeProfit: 1950,
	})
	d := newSimDispatcher(sim)

	dataMap(t, d.Handle(context.Background(), mustRequest(t,
		`{"action":"MODIFY","ticket":`+jsonInt(ticket)+`}`)))

	positions := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	pos := positions[0].(map[string]interface{})
	if got := pos["sl"].(json.Number).String(); got != "0.00000" {
		t.Errorf("omitted sl should clear the stop, got %s", got)
	}
	if got := pos["tp"].(json.Number).String(); got != "0.00000" {
		t.Errorf("omitted tp should clear the target, got %s", got)
	}
}

func TestPartialClose(t *testing.T) {
	sim := broker.NewSim()
	ticket := sim.AddPosition(broker.Position{
		Symbol: "XAUUSD", Type: broker.SideBuy, Magic: 123456, Volume: 0.5, OpenPrice: 1900,
	})
	d := newSimDispatcher(sim)

	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"PARTIAL_CLOSE","ticket":`+jsonInt(ticket)+`,"volume":0.2}`))
	data := dataMap(t, resp)
	if got := data["remaining_volume"].(json.Number).String(); got != "0.30" {
		t.Errorf("remaining volume should be exact at 2dp, got %s", got)
	}

	positions := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	if len(positions) != 1 {
		t.Fatalf("position should survive partial close, got %d", len(positions))
	}
	if got := positions[0].(map[string]interface{})["volume"].(json.Number).String(); got != "0.30" {
		t.Errorf("surviving position volume drifted: %s", got)
	}
}

func TestPartialCloseRejectsBeforeVenue(t *testing.T) {
	stub := &brokerStub{positions: []broker.Position{
		{Ticket: 5001, Symbol: "XAUUSD", Type: broker.SideBuy, Volume: 0.5},
	}}
	d := newStubDispatcher(stub)

	// 请求量不小于持仓量：查询持仓后即拒绝，不发起平仓。
	resp := d.Handle(context.Background(), mustRequest(t,
		`{"action":"PARTIAL_CLOSE","ticket":5001,"volume":0.5}`))
	assertFailure(t, resp, "Invalid close volume")
	for _, call := range stub.calls {
		if call == "ClosePosition" {
			t.Errorf("oversized partial close must not reach the venue, got calls %v", stub.calls)
		}
	}

	stub.calls = nil
	resp = d.Handle(context.Background(), mustRequest(t,
		`{"action":"PARTIAL_CLOSE","ticket":5001,"volume":0}`))
	assertFailure(t, resp, "Invalid volume")
	if len(stub.calls) != 0 {
		t.Errorf("non-positive volume must not reach the venue, got calls %v", stub.calls)
	}

	resp = d.Handle(context.Background(), mustRequest(t,
		`{"action":"PARTIAL_CLOSE","ticket":4040,"volume":0.1}`))
	assertFailure(t, resp, "Position not found")
}

func TestGetRates(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())

	data := dataMap(t, d.Handle(context.Background(), mustRequest(t,
		`{"action":"GET_RATES","symbol":"XAUUSD","timeframe":"M5","count":10}`)))
	if data["timeframe"] != "M5" {
		t.Errorf("unexpected timeframe %v", data["timeframe"])
	}
	rates := data["rates"].([]interface{})
	if len(rates) != 10 {
		t.Fatalf("expected 10 bars, got %d", len(rates))
	}
	first := rates[0].(map[string]interface{})["time"].(int64)
	second := rates[1].(map[string]interface{})["time"].(int64)
	if first <= second {
		t.Errorf("bars must be newest first: %d then %d", first, second)
	}
}

func TestGetRatesUnknownTimeframeFallsBack(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())
	data := dataMap(t, d.Handle(context.Background(), mustRequest(t,
		`{"action":"GET_RATES","symbol":"XAUUSD","timeframe":"H7","count":1}`)))
	if data["timeframe"] != "CURRENT" {
		t.Errorf("unrecognized timeframe should fall back to CURRENT, got %v", data["timeframe"])
	}
}

func TestGetRatesErrors(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())

	resp := d.Handle(context.Background(), mustRequest(t, `{"action":"GET_RATES","symbol":"NOPEUSD"}`))
	assertFailure(t, resp, "Symbol not found")

	resp = d.Handle(context.Background(), mustRequest(t,
		`{"action":"GET_RATES","symbol":"XAUUSD","count":0}`))
	if resp.Status != StatusError {
		t.Fatalf("expected error for zero count, got %s", resp.Status)
	}
}

func TestGetTick(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())

	data := dataMap(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_TICK","symbol":"XAUUSD"}`)))
	if got := data["bid"].(json.Number).String(); got != "1910.20000" {
		t.Errorf("unexpected bid %s", got)
	}
	if got := data["ask"].(json.Number).String(); got != "1910.50000" {
		t.Errorf("unexpected ask %s", got)
	}

	resp := d.Handle(context.Background(), mustRequest(t, `{"action":"GET_TICK","symbol":"NOPEUSD"}`))
	assertFailure(t, resp, "Symbol not found")
}

func TestGetAccountSnapshot(t *testing.T) {
	sim := broker.NewSim()
	sim.AddPosition(broker.Position{Symbol: "XAUUSD", Type: broker.SideBuy, Volume: 0.1, Profit: 250})
	d := newSimDispatcher(sim)

	data := dataMap(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_ACCOUNT"}`)))
	if got := data["equity"].(json.Number).String(); got != "100250.00" {
		t.Errorf("equity should include floating profit, got %s", got)
	}
	if got := data["profit"].(json.Number).String(); got != "250.00" {
		t.Errorf("unexpected floating profit %s", got)
	}
	if data["currency"] != "USD" {
		t.Errorf("unexpected currency %v", data["currency"])
	}
}

func TestGetPositionsEmptyIsSuccess(t *testing.T) {
	d := newSimDispatcher(broker.NewSim())
	list := dataList(t, d.Handle(context.Background(), mustRequest(t, `{"action":"GET_POSITIONS"}`)))
	if len(list) != 0 {
		t.Errorf("expected empty list, got %v", list)
	}
}

func jsonInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
