package orders

import (
	"fmt"
	"strings"
)

// Validation limits
const (
	MaxQuantity     = 100000
	MaxSymbolLength = 10
	MaxTrailAmount  = 1000
	MaxTrailPercent = 50
)

// ValidationError lists every constraint an order request violates. It is
// returned before anything is sent to the gateway and is never retried.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + strings.Join(e.Violations, "; ")
}

type violations []string

func (v *violations) addf(format string, args ...interface{}) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Violations: v}
}

var knownTypes = map[string]bool{
	TypeMarket: true, TypeLimit: true, TypeStop: true, TypeStopLimit: true,
	TypeTrail: true, TypeTrailLimit: true, TypeMarketOnClose: true, TypeLimitOnClose: true,
	TypeMarketIfTouched: true, TypeLimitIfTouched: true, TypePeggedToMarket: true,
	TypePeggedToMidpoint: true, TypeRelative: true,
}

var knownTIF = map[string]bool{
	TIFDay: true, TIFGoodTill: true, TIFImmediate: true, TIFGoodDate: true,
	TIFOpening: true, TIFFillKill: true, TIFDayCancel: true,
}

// RequiresLimitPrice reports whether the order type always carries a limit price.
func RequiresLimitPrice(orderType string) bool {
	switch orderType {
	case TypeLimit, TypeStopLimit, TypeTrailLimit, TypeLimitOnClose, TypeLimitIfTouched:
		return true
	}
	return false
}

// RequiresStopPrice reports whether the order type always carries a stop (trigger) price.
func RequiresStopPrice(orderType string) bool {
	switch orderType {
	case TypeStop, TypeStopLimit, TypeMarketIfTouched, TypeLimitIfTouched:
		return true
	}
	return false
}

// IsTrailing reports whether the order type trails the market.
func IsTrailing(orderType string) bool {
	return orderType == TypeTrail || orderType == TypeTrailLimit
}

// RequiresOffset reports whether the order type is pegged by an offset.
func RequiresOffset(orderType string) bool {
	switch orderType {
	case TypePeggedToMarket, TypePeggedToMidpoint, TypeRelative:
		return true
	}
	return false
}

// Validate checks a single order request. All violations are collected.
func Validate(o *Order) error {
	if o == nil {
		return &ValidationError{Violations: []string{"order is required"}}
	}

	var v violations

	symbol := strings.TrimSpace(o.Symbol)
	switch {
	case symbol == "":
		v.addf("symbol is required")
	case len(symbol) > MaxSymbolLength:
		v.addf("symbol %q exceeds %d characters", symbol, MaxSymbolLength)
	}

	if o.Action != ActionBuy && o.Action != ActionSell {
		v.addf("action must be BUY or SELL, got %q", o.Action)
	}

	if o.Quantity <= 0 {
		v.addf("quantity must be greater than 0")
	} else if o.Quantity > MaxQuantity {
		v.addf("quantity %.0f exceeds maximum %d", o.Quantity, MaxQuantity)
	}

	if !knownTypes[o.OrderType] {
		v.addf("unsupported order type %q", o.OrderType)
	}

	if RequiresLimitPrice(o.OrderType) && !positive(o.LimitPrice) {
		v.addf("%s order requires a limit price", o.OrderType)
	}
	if RequiresStopPrice(o.OrderType) && !positive(o.StopPrice) {
		v.addf("%s order requires a stop price", o.OrderType)
	}

	if o.OrderType == TypeMarket || o.OrderType == TypeMarketOnClose {
		if o.LimitPrice != nil {
			v.addf("%s order must not carry a limit price", o.OrderType)
		}
		if o.StopPrice != nil {
			v.addf("%s order must not carry a stop price", o.OrderType)
		}
	}

	if IsTrailing(o.OrderType) {
		validateTrail(o, &v)
	} else if o.TrailAmount != nil || o.TrailPercent != nil {
		v.addf("trail amount/percent only apply to trailing orders")
	}

	if RequiresOffset(o.OrderType) && o.OffsetAmount == nil {
		v.addf("%s order requires an offset amount", o.OrderType)
	}

	if o.TimeInForce != "" && !knownTIF[o.TimeInForce] {
		v.addf("unsupported time in force %q", o.TimeInForce)
	}
	if o.TimeInForce == TIFGoodDate && o.GoodTillDate == "" {
		v.addf("GTD order requires a good-till date")
	}

	if o.AssetType == AssetOption {
		if o.OptionRight != RightCall && o.OptionRight != RightPut {
			v.addf("option order requires right C or P")
		}
		if !positive(o.Strike) {
			v.addf("option order requires a strike")
		}
		if o.Expiry == "" {
			v.addf("option order requires an expiry")
		}
	}

	return v.err()
}

func validateTrail(o *Order, v *violations) {
	hasAmount := o.TrailAmount != nil
	hasPercent := o.TrailPercent != nil

	switch {
	case hasAmount && hasPercent:
		v.addf("trailing order must set exactly one of trail amount or trail percent, not both")
		return
	case !hasAmount && !hasPercent:
		v.addf("trailing order requires a trail amount or a trail percent")
		return
	}

	if hasAmount {
		amt := *o.TrailAmount
		if amt <= 0 {
			v.addf("trail amount must be greater than 0")
		} else if amt > MaxTrailAmount {
			v.addf("trail amount %.2f exceeds maximum %d", amt, MaxTrailAmount)
		}
	}
	if hasPercent {
		pct := *o.TrailPercent
		if pct <= 0 {
			v.addf("trail percent must be greater than 0")
		} else if pct > MaxTrailPercent {
			v.addf("trail percent %.2f exceeds maximum %d", pct, MaxTrailPercent)
		}
	}
}

// ValidateBracket checks each leg and the relationship between them: same symbol
// and quantity, exits on the opposite side, and the target and stop on the
// correct side of the entry price.
func ValidateBracket(main, target, stop *Order) error {
	var v violations

	legs := []struct {
		name  string
		order *Order
	}{
		{"entry", main},
		{"profit target", target},
		{"stop loss", stop},
	}
	for _, leg := range legs {
		if err := Validate(leg.order); err != nil {
			for _, msg := range err.(*ValidationError).Violations {
				v.addf("%s: %s", leg.name, msg)
			}
		}
	}
	if main == nil || target == nil || stop == nil {
		return v.err()
	}

	if target.Symbol != main.Symbol || stop.Symbol != main.Symbol {
		v.addf("all bracket legs must use the same symbol")
	}
	if target.Quantity != main.Quantity || stop.Quantity != main.Quantity {
		v.addf("all bracket legs must have the same quantity")
	}

	exit := OppositeAction(main.Action)
	if target.Action != exit {
		v.addf("profit target action must be %s for a %s entry", exit, main.Action)
	}
	if stop.Action != exit {
		v.addf("stop loss action must be %s for a %s entry", exit, main.Action)
	}
	if !stop.IsStopLeg() {
		v.addf("stop loss leg must be a stop or trailing order, got %s", stop.OrderType)
	}
	if target.OrderType != TypeLimit {
		v.addf("profit target leg must be a LMT order, got %s", target.OrderType)
	}

	if main.LimitPrice != nil {
		entry := *main.LimitPrice
		if main.Action == ActionBuy {
			if target.LimitPrice != nil && *target.LimitPrice <= entry {
				v.addf("profit target %.4f must be above entry %.4f for BUY", *target.LimitPrice, entry)
			}
			if stop.StopPrice != nil && *stop.StopPrice >= entry {
				v.addf("stop loss %.4f must be below entry %.4f for BUY", *stop.StopPrice, entry)
			}
		} else {
			if target.LimitPrice != nil && *target.LimitPrice >= entry {
				v.addf("profit target %.4f must be below entry %.4f for SELL", *target.LimitPrice, entry)
			}
			if stop.StopPrice != nil && *stop.StopPrice <= entry {
				v.addf("stop loss %.4f must be above entry %.4f for SELL", *stop.StopPrice, entry)
			}
		}
	}

	return v.err()
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}
