// Package order defines the typed order variants and their validated
// construction from untyped requests.
//
// Orders are a tagged union over a single struct: the Kind discriminator
// selects which price fields are meaningful. An OCO placement produces two
// linked legs (a LIMIT and a STOP_LIMIT) that reference each other through
// BoundedOrderID; the factory is the only place that builds the pair.
// Balance checks are deliberately not done here — that is admission's job
// in the engine.
package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paper-exchange/pkg/types"
)

// Order is one open order. Common fields are always set; price fields
// depend on Kind:
//
//	MARKET      ExecutionPrice is a hint only (reference close at placement)
//	LIMIT       ExecutionPrice is the trigger and the fill price
//	STOP_LIMIT  StopPrice activates, then a LIMIT at ExecutionPrice is placed
//
// BlockedAmount records the funds withheld from the owner's balances: cash
// for BUY, quantity of the target asset for SELL. OCO legs share one
// blocked amount; whichever leg closes first consumes or releases it, and
// the sibling is removed without a second unblock.
type Order struct {
	ID           string          `json:"id"`
	CreationDate time.Time       `json:"creation_date"`
	Kind         types.OrderKind `json:"order_type"`
	Side         types.Side      `json:"direction"`
	UserID       int64           `json:"user_id"`

	BaseAsset   string          `json:"base_asset"`
	TargetAsset string          `json:"target_asset"`
	Quantity    decimal.Decimal `json:"quantity"`

	ExecutionPrice decimal.Decimal `json:"execution_price"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	SignalPrice    decimal.Decimal `json:"signal_price,omitempty"`

	BlockedAmount  decimal.Decimal `json:"blocked_amount"`
	BoundedOrderID string          `json:"bounded_order_id,omitempty"`
}

// IsOCOLeg reports whether the order is half of an OCO pair.
func (o *Order) IsOCOLeg() bool {
	return o.BoundedOrderID != ""
}

// Clone returns a value copy of the order, detached from any shared state.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Request is the untyped order payload as received over HTTP. Optional
// fields are pointers so "absent" and "zero" can be told apart during
// validation.
type Request struct {
	OrderType      string   `json:"order_type"`
	Quantity       *float64 `json:"quantity"`
	BaseAsset      string   `json:"base_asset"`
	TargetAsset    string   `json:"target_asset"`
	Direction      string   `json:"direction"`
	ExecutionPrice *float64 `json:"execution_price"`
	StopPrice      *float64 `json:"stop_price,omitempty"`
	SignalPrice    *float64 `json:"signal_price,omitempty"`
	BlockedAmount  *float64 `json:"blocked_amount,omitempty"`
}

func invalid(msg string) error {
	return errors.Join(types.ErrValidation, errors.New(msg))
}

// Create validates a request and returns the typed order(s): one order for
// MARKET/LIMIT/STOP_LIMIT, two linked legs for OCO. Each order gets a fresh
// UUID and creation timestamp.
//
// Required fields per kind:
//
//	MARKET      quantity, assets, direction (execution_price optional hint)
//	LIMIT       + execution_price
//	STOP_LIMIT  + execution_price, stop_price
//	OCO         + execution_price (limit leg), signal_price (stop trigger),
//	              stop_price (stop leg's limit price)
func Create(req Request) ([]*Order, error) {
	kind, err := types.ParseOrderKind(req.OrderType)
	if err != nil {
		return nil, err
	}
	side, err := types.ParseSide(req.Direction)
	if err != nil {
		return nil, err
	}
	if req.BaseAsset == "" || req.TargetAsset == "" {
		return nil, invalid("base_asset and target_asset must be provided")
	}
	if req.Quantity == nil {
		return nil, invalid("quantity must be provided")
	}
	qty := decimal.NewFromFloat(*req.Quantity)
	if !qty.IsPositive() {
		return nil, invalid("quantity must be > 0")
	}

	now := time.Now()
	common := Order{
		CreationDate: now,
		Side:         side,
		BaseAsset:    req.BaseAsset,
		TargetAsset:  req.TargetAsset,
		Quantity:     qty,
	}

	price := func(p *float64) decimal.Decimal {
		if p == nil {
			return decimal.Decimal{}
		}
		return decimal.NewFromFloat(*p)
	}

	switch kind {
	case types.Market:
		o := common
		o.ID = uuid.NewString()
		o.Kind = types.Market
		o.ExecutionPrice = price(req.ExecutionPrice)
		return []*Order{&o}, nil

	case types.Limit:
		if req.ExecutionPrice == nil || *req.ExecutionPrice <= 0 {
			return nil, invalid("limit order requires execution_price > 0")
		}
		o := common
		o.ID = uuid.NewString()
		o.Kind = types.Limit
		o.ExecutionPrice = price(req.ExecutionPrice)
		return []*Order{&o}, nil

	case types.StopLimit:
		if req.ExecutionPrice == nil || *req.ExecutionPrice <= 0 {
			return nil, invalid("stop-limit order requires execution_price > 0")
		}
		if req.StopPrice == nil || *req.StopPrice <= 0 {
			return nil, invalid("stop-limit order requires stop_price > 0")
		}
		o := common
		o.ID = uuid.NewString()
		o.Kind = types.StopLimit
		o.ExecutionPrice = price(req.ExecutionPrice)
		o.StopPrice = price(req.StopPrice)
		return []*Order{&o}, nil

	case types.OCO:
		if req.ExecutionPrice == nil || *req.ExecutionPrice <= 0 {
			return nil, invalid("oco order requires execution_price > 0")
		}
		if req.SignalPrice == nil || *req.SignalPrice <= 0 {
			return nil, invalid("oco order requires signal_price > 0")
		}
		if req.StopPrice == nil || *req.StopPrice <= 0 {
			return nil, invalid("oco order requires stop_price > 0")
		}

		limitLeg := common
		limitLeg.ID = uuid.NewString()
		limitLeg.Kind = types.Limit
		limitLeg.ExecutionPrice = price(req.ExecutionPrice)

		stopLeg := common
		stopLeg.ID = uuid.NewString()
		stopLeg.Kind = types.StopLimit
		stopLeg.StopPrice = price(req.SignalPrice)
		stopLeg.ExecutionPrice = price(req.StopPrice)

		limitLeg.BoundedOrderID = stopLeg.ID
		stopLeg.BoundedOrderID = limitLeg.ID
		return []*Order{&limitLeg, &stopLeg}, nil

	default:
		return nil, invalid("unknown order type")
	}
}

// Promote converts a triggered stop-limit into the limit order it stands
// for: same side, quantity, assets, execution price, and blocked amount,
// under a fresh id. The creation date carries over so queue position is
// preserved.
func Promote(o *Order) *Order {
	replacement := *o
	replacement.ID = uuid.NewString()
	replacement.Kind = types.Limit
	replacement.StopPrice = decimal.Decimal{}
	return &replacement
}

// WorstCaseBlock returns the amount admission must withhold for the order:
// cash for BUY (quantity × reference price × (1 + commission)), the target
// asset quantity for SELL. The reference price is the execution price, or
// the given fallback for MARKET orders placed without a hint.
func (o *Order) WorstCaseBlock(commission, fallbackPrice decimal.Decimal) (decimal.Decimal, error) {
	if o.Side == types.SELL {
		return o.Quantity, nil
	}
	ref := o.ExecutionPrice
	if ref.IsZero() {
		ref = fallbackPrice
	}
	if !ref.IsPositive() {
		return decimal.Decimal{}, invalid("no reference price available for order")
	}
	return o.Quantity.Mul(ref).Mul(decimal.NewFromInt(1).Add(commission)), nil
}
