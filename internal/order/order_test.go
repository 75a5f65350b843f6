package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"paper-exchange/pkg/types"
)

func f(v float64) *float64 { return &v }

func validLimitRequest() Request {
	return Request{
		OrderType:      "limit",
		Quantity:       f(5),
		BaseAsset:      "usdt",
		TargetAsset:    "btc",
		Direction:      "buy",
		ExecutionPrice: f(100),
	}
}

func TestCreateLimit(t *testing.T) {
	t.Parallel()

	orders, err := Create(validLimitRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}

	o := orders[0]
	if o.Kind != types.Limit || o.Side != types.BUY {
		t.Errorf("kind/side = %s/%s", o.Kind, o.Side)
	}
	if o.ID == "" || o.CreationDate.IsZero() {
		t.Error("id and creation date must be stamped")
	}
	if !o.ExecutionPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("execution price = %s, want 100", o.ExecutionPrice)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing order type", func(r *Request) { r.OrderType = "" }},
		{"unknown order type", func(r *Request) { r.OrderType = "iceberg" }},
		{"missing quantity", func(r *Request) { r.Quantity = nil }},
		{"non-positive quantity", func(r *Request) { r.Quantity = f(0) }},
		{"missing target asset", func(r *Request) { r.TargetAsset = "" }},
		{"bad direction", func(r *Request) { r.Direction = "short" }},
		{"limit without price", func(r *Request) { r.ExecutionPrice = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validLimitRequest()
			tc.mutate(&req)
			if _, err := Create(req); !errors.Is(err, types.ErrValidation) {
				t.Errorf("Create error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateStopLimitRequiresBothPrices(t *testing.T) {
	t.Parallel()

	req := validLimitRequest()
	req.OrderType = "stop_limit"
	if _, err := Create(req); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("stop-limit without stop_price: err = %v, want ErrValidation", err)
	}

	req.StopPrice = f(110)
	orders, err := Create(req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if orders[0].Kind != types.StopLimit {
		t.Errorf("kind = %s, want STOP_LIMIT", orders[0].Kind)
	}
	if !orders[0].StopPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("stop price = %s, want 110", orders[0].StopPrice)
	}
}

func TestCreateOCOPair(t *testing.T) {
	t.Parallel()

	req := Request{
		OrderType:      "oco",
		Quantity:       f(3),
		BaseAsset:      "usdt",
		TargetAsset:    "btc",
		Direction:      "sell",
		ExecutionPrice: f(210), // limit leg: sell at 210
		SignalPrice:    f(190), // stop trigger
		StopPrice:      f(185), // stop leg's limit price
	}

	orders, err := Create(req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}

	limitLeg, stopLeg := orders[0], orders[1]
	if limitLeg.Kind != types.Limit || stopLeg.Kind != types.StopLimit {
		t.Fatalf("leg kinds = %s/%s", limitLeg.Kind, stopLeg.Kind)
	}
	if limitLeg.BoundedOrderID != stopLeg.ID || stopLeg.BoundedOrderID != limitLeg.ID {
		t.Error("legs must reference each other via BoundedOrderID")
	}
	if !stopLeg.StopPrice.Equal(decimal.NewFromInt(190)) {
		t.Errorf("stop leg trigger = %s, want signal_price 190", stopLeg.StopPrice)
	}
	if !stopLeg.ExecutionPrice.Equal(decimal.NewFromInt(185)) {
		t.Errorf("stop leg limit = %s, want stop_price 185", stopLeg.ExecutionPrice)
	}
}

func TestWorstCaseBlock(t *testing.T) {
	t.Parallel()

	commission := decimal.NewFromFloat(0.001)

	buy := &Order{
		Side:           types.BUY,
		Quantity:       decimal.NewFromInt(5),
		ExecutionPrice: decimal.NewFromInt(100),
	}
	got, err := buy.WorstCaseBlock(commission, decimal.Decimal{})
	if err != nil {
		t.Fatalf("WorstCaseBlock: %v", err)
	}
	if want := decimal.NewFromFloat(500.5); !got.Equal(want) {
		t.Errorf("buy block = %s, want %s", got, want)
	}

	sell := &Order{Side: types.SELL, Quantity: decimal.NewFromInt(3)}
	got, err = sell.WorstCaseBlock(commission, decimal.Decimal{})
	if err != nil {
		t.Fatalf("WorstCaseBlock: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("sell block = %s, want 3", got)
	}

	// Market buy without a hint uses the fallback; no fallback is an error.
	market := &Order{Side: types.BUY, Quantity: decimal.NewFromInt(10)}
	got, err = market.WorstCaseBlock(commission, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("WorstCaseBlock with fallback: %v", err)
	}
	if want := decimal.NewFromFloat(1001); !got.Equal(want) {
		t.Errorf("market block = %s, want %s", got, want)
	}
	if _, err := market.WorstCaseBlock(commission, decimal.Decimal{}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("no reference price: err = %v, want ErrValidation", err)
	}
}
