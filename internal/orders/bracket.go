package orders

import "sort"

// Derived bracket statuses reported once the entry has filled.
const (
	BracketActive           = "Bracket Active"
	BracketManagingPosition = "Managing Position"
	BracketClosed           = "Bracket Closed"
)

// Bracket is an entry order plus its profit-target and stop-loss legs, grouped by
// a shared OCA label. It has no identity of its own.
type Bracket struct {
	OcaGroup     string `json:"oca_group"`
	Main         *Order `json:"main_order,omitempty"`
	ProfitTarget *Order `json:"profit_target,omitempty"`
	StopLoss     *Order `json:"stop_loss,omitempty"`
}

// IsComplete reports whether all three legs are present.
func (b *Bracket) IsComplete() bool {
	return b.Main != nil && b.ProfitTarget != nil && b.StopLoss != nil
}

// Legs returns the present members, entry first.
func (b *Bracket) Legs() []*Order {
	legs := make([]*Order, 0, 3)
	for _, o := range []*Order{b.Main, b.ProfitTarget, b.StopLoss} {
		if o != nil {
			legs = append(legs, o)
		}
	}
	return legs
}

// Status projects the member statuses onto a single bracket status. Until the
// entry fills the bracket reports the entry's own status; exit legs cannot close
// the bracket on their own.
func (b *Bracket) Status() string {
	if b.Main == nil {
		return ""
	}
	if !mainFilled(b.Main) {
		return string(b.Main.Status)
	}

	exits := []*Order{b.ProfitTarget, b.StopLoss}
	for _, leg := range exits {
		if leg != nil && leg.Status == StatusFilled {
			return BracketClosed
		}
	}
	for _, leg := range exits {
		if leg != nil && leg.Status.IsOpen() {
			return BracketManagingPosition
		}
	}
	return BracketActive
}

func mainFilled(o *Order) bool {
	return o.Status == StatusFilled || o.FilledQuantity > 0
}

// GroupBrackets assembles brackets from orders sharing a non-empty OCA label with
// more than one member. Within a group the entry is the order without a parent,
// the stop leg is the stop-type child and the target is the LMT child.
func GroupBrackets(list []*Order) []*Bracket {
	groups := make(map[string][]*Order)
	for _, o := range list {
		if o == nil || o.OcaGroup == "" {
			continue
		}
		groups[o.OcaGroup] = append(groups[o.OcaGroup], o)
	}

	brackets := make([]*Bracket, 0, len(groups))
	for label, members := range groups {
		if len(members) < 2 {
			continue
		}
		brackets = append(brackets, assemble(label, members))
	}

	sort.Slice(brackets, func(i, j int) bool {
		return brackets[i].OcaGroup < brackets[j].OcaGroup
	})
	return brackets
}

func assemble(label string, members []*Order) *Bracket {
	b := &Bracket{OcaGroup: label}
	for _, o := range members {
		switch {
		case o.ParentID == nil:
			b.Main = o
		case o.IsStopLeg():
			b.StopLoss = o
		case o.OrderType == TypeLimit:
			b.ProfitTarget = o
		}
	}
	return b
}

// Sibling returns the other exit leg of the bracket for the given exit leg.
func (b *Bracket) Sibling(o *Order) *Order {
	if o == nil {
		return nil
	}
	if b.ProfitTarget != nil && b.ProfitTarget.OrderID == o.OrderID {
		return b.StopLoss
	}
	if b.StopLoss != nil && b.StopLoss.OrderID == o.OrderID {
		return b.ProfitTarget
	}
	return nil
}
