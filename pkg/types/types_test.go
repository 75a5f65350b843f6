package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseSide(t *testing.T) {
	t.Parallel()

	if s, err := ParseSide(" buy "); err != nil || s != BUY {
		t.Errorf("ParseSide(buy) = %v, %v", s, err)
	}
	if s, err := ParseSide("SELL"); err != nil || s != SELL {
		t.Errorf("ParseSide(SELL) = %v, %v", s, err)
	}
	if _, err := ParseSide("hold"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParseSide(hold) error = %v, want ErrValidation", err)
	}
}

func TestParseOrderKind(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"market", "LIMIT", "stop_limit", "oco"} {
		if _, err := ParseOrderKind(in); err != nil {
			t.Errorf("ParseOrderKind(%q) error = %v", in, err)
		}
	}
	if _, err := ParseOrderKind("trailing_stop"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParseOrderKind(trailing_stop) error = %v, want ErrValidation", err)
	}
}

func TestTimeframeArithmetic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tf      Timeframe
		seconds int64
		budget  int // for n = 5
	}{
		{H1, 3600, 120},
		{H4, 14400, 20},
		{D1, 86400, 5},
	}
	for _, tc := range cases {
		if got := tc.tf.Seconds(); got != tc.seconds {
			t.Errorf("%s.Seconds() = %d, want %d", tc.tf, got, tc.seconds)
		}
		if got := tc.tf.TickBudget(5); got != tc.budget {
			t.Errorf("%s.TickBudget(5) = %d, want %d", tc.tf, got, tc.budget)
		}
	}
}

func TestAveragePriceIsClose(t *testing.T) {
	t.Parallel()

	c := Candle{
		Open:  decimal.NewFromInt(90),
		Close: decimal.NewFromInt(110),
	}
	if !c.AveragePrice().Equal(decimal.NewFromInt(110)) {
		t.Errorf("AveragePrice() = %s, want close 110", c.AveragePrice())
	}
}
