// Package orders holds the gateway order model shared by the adapter, the store,
// the cache and the reconciler: order fields, the status machine, request
// validation and bracket projection.
package orders

import (
	"time"
)

// Action constants
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Gateway order type strings. These pass through to the gateway verbatim.
const (
	TypeMarket           = "MKT"
	TypeLimit            = "LMT"
	TypeStop             = "STP"
	TypeStopLimit        = "STP LMT"
	TypeTrail            = "TRAIL"
	TypeTrailLimit       = "TRAIL LIMIT"
	TypeMarketOnClose    = "MOC"
	TypeLimitOnClose     = "LOC"
	TypeMarketIfTouched  = "MIT"
	TypeLimitIfTouched   = "LIT"
	TypePeggedToMarket   = "PEG MKT"
	TypePeggedToMidpoint = "PEG MID"
	TypeRelative         = "REL"
)

// Time-in-force codes
const (
	TIFDay       = "DAY"
	TIFGoodTill  = "GTC"
	TIFImmediate = "IOC"
	TIFGoodDate  = "GTD"
	TIFOpening   = "OPG"
	TIFFillKill  = "FOK"
	TIFDayCancel = "DTC"
)

// Asset types
const (
	AssetStock  = "STOCK"
	AssetOption = "OPTION"
)

// Option rights
const (
	RightCall = "C"
	RightPut  = "P"
)

// Resolution records how an order reached its current terminal state when the
// gateway did not report it directly.
type Resolution string

const (
	ResolutionNone Resolution = ""
	// ResolutionImplicitFill marks an order that vanished from the open-order list
	// without an explicit terminal event. It is assumed filled; an order cancelled
	// outside this system looks identical.
	ResolutionImplicitFill Resolution = "implicit_fill"
	// ResolutionOCASibling marks a bracket exit leg that vanished after its sibling
	// exit leg was reported filled.
	ResolutionOCASibling Resolution = "oca_sibling"
	// ResolutionCancelConfirmed marks an order that vanished after a cancel was issued.
	ResolutionCancelConfirmed Resolution = "cancel_confirmed"
	// ResolutionBracketAborted marks a staged bracket leg withdrawn because a
	// later leg could not be placed. It was never transmitted.
	ResolutionBracketAborted Resolution = "bracket_aborted"
)

// Order is the full-fidelity record of a gateway order. Optional price fields are
// pointers so that "not set" is distinct from zero.
type Order struct {
	OrderID   int64   `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"`
	Quantity  float64 `json:"quantity"`
	OrderType string  `json:"order_type"`

	LimitPrice   *float64 `json:"limit_price,omitempty"`
	StopPrice    *float64 `json:"stop_price,omitempty"`
	TrailAmount  *float64 `json:"trail_amount,omitempty"`
	TrailPercent *float64 `json:"trail_percent,omitempty"`
	OffsetAmount *float64 `json:"offset_amount,omitempty"`

	TimeInForce   string `json:"time_in_force"`
	GoodAfterTime string `json:"good_after_time,omitempty"`
	GoodTillDate  string `json:"good_till_date,omitempty"`

	Status            Status     `json:"status"`
	FilledQuantity    float64    `json:"filled_quantity"`
	RemainingQuantity float64    `json:"remaining_quantity"`
	AvgFillPrice      float64    `json:"avg_fill_price"`
	Resolution        Resolution `json:"resolution,omitempty"`

	ParentID *int64 `json:"parent_id,omitempty"`
	OcaGroup string `json:"oca_group,omitempty"`

	AssetType   string   `json:"asset_type"`
	OptionRight string   `json:"option_right,omitempty"`
	Strike      *float64 `json:"strike,omitempty"`
	Expiry      string   `json:"expiry,omitempty"`

	StrategyID *int64 `json:"strategy_id,omitempty"`
	Notes      string `json:"notes,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Float returns a pointer to v, for populating optional price fields.
func Float(v float64) *float64 {
	return &v
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LimitPrice = cloneFloat(o.LimitPrice)
	c.StopPrice = cloneFloat(o.StopPrice)
	c.TrailAmount = cloneFloat(o.TrailAmount)
	c.TrailPercent = cloneFloat(o.TrailPercent)
	c.OffsetAmount = cloneFloat(o.OffsetAmount)
	c.Strike = cloneFloat(o.Strike)
	if o.ParentID != nil {
		c.ParentID = Int64(*o.ParentID)
	}
	if o.StrategyID != nil {
		c.StrategyID = Int64(*o.StrategyID)
	}
	return &c
}

// Normalize keeps filled + remaining equal to quantity once the order has left
// PendingSubmit. Before that nothing has been acknowledged, so remaining is the
// full quantity.
func (o *Order) Normalize() {
	if o.Status == StatusPendingSubmit || o.Status == "" {
		o.FilledQuantity = 0
		o.RemainingQuantity = o.Quantity
		return
	}
	if o.FilledQuantity > o.Quantity {
		o.FilledQuantity = o.Quantity
	}
	if o.FilledQuantity < 0 {
		o.FilledQuantity = 0
	}
	o.RemainingQuantity = o.Quantity - o.FilledQuantity
}

// IsExitLeg reports whether the order is a child leg of a bracket.
func (o *Order) IsExitLeg() bool {
	return o.ParentID != nil
}

// IsStopLeg reports whether the order type acts as a protective stop.
func (o *Order) IsStopLeg() bool {
	switch o.OrderType {
	case TypeStop, TypeStopLimit, TypeTrail, TypeTrailLimit:
		return true
	}
	return false
}

// SameState reports whether two records carry the same order state, ignoring
// bookkeeping timestamps.
func (o *Order) SameState(other *Order) bool {
	if o == nil || other == nil {
		return o == other
	}
	a, b := *o, *other
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.SubmittedAt, b.SubmittedAt = time.Time{}, time.Time{}
	return a.OrderID == b.OrderID &&
		a.Symbol == b.Symbol &&
		a.Action == b.Action &&
		a.Quantity == b.Quantity &&
		a.OrderType == b.OrderType &&
		floatEq(a.LimitPrice, b.LimitPrice) &&
		floatEq(a.StopPrice, b.StopPrice) &&
		floatEq(a.TrailAmount, b.TrailAmount) &&
		floatEq(a.TrailPercent, b.TrailPercent) &&
		floatEq(a.OffsetAmount, b.OffsetAmount) &&
		a.TimeInForce == b.TimeInForce &&
		a.GoodAfterTime == b.GoodAfterTime &&
		a.GoodTillDate == b.GoodTillDate &&
		a.Status == b.Status &&
		a.FilledQuantity == b.FilledQuantity &&
		a.RemainingQuantity == b.RemainingQuantity &&
		a.AvgFillPrice == b.AvgFillPrice &&
		a.Resolution == b.Resolution &&
		int64Eq(a.ParentID, b.ParentID) &&
		a.OcaGroup == b.OcaGroup &&
		a.AssetType == b.AssetType &&
		a.OptionRight == b.OptionRight &&
		floatEq(a.Strike, b.Strike) &&
		a.Expiry == b.Expiry &&
		int64Eq(a.StrategyID, b.StrategyID) &&
		a.Notes == b.Notes
}

// OppositeAction returns the closing side for an entry action.
func OppositeAction(action string) string {
	if action == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v)
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func int64Eq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
