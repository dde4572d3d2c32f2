package orders

// Status is the gateway order status string, kept verbatim.
type Status string

const (
	StatusPendingSubmit   Status = "PendingSubmit"
	StatusPendingCancel   Status = "PendingCancel"
	StatusPreSubmitted    Status = "PreSubmitted"
	StatusSubmitted       Status = "Submitted"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusFilled          Status = "Filled"
	StatusCancelled       Status = "Cancelled"
	StatusAPICancelled    Status = "ApiCancelled"
	StatusInactive        Status = "Inactive"
	StatusError           Status = "Error"
)

// OpenStatuses is the store's open set: orders the reconciler expects to see in
// the live open-order list.
var OpenStatuses = []Status{
	StatusPendingSubmit,
	StatusPendingCancel,
	StatusPreSubmitted,
	StatusSubmitted,
	StatusPartiallyFilled,
}

// IsOpen reports whether the order can still trade or be cancelled.
func (s Status) IsOpen() bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusAPICancelled, StatusInactive, StatusError:
		return true
	}
	return false
}

// transitions lists the allowed forward moves. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPendingSubmit: {
		StatusPreSubmitted, StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusPendingCancel, StatusCancelled, StatusAPICancelled, StatusInactive, StatusError,
	},
	StatusPreSubmitted: {
		StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusPendingCancel, StatusCancelled, StatusAPICancelled, StatusInactive, StatusError,
	},
	StatusSubmitted: {
		StatusPartiallyFilled, StatusFilled,
		StatusPendingCancel, StatusCancelled, StatusAPICancelled, StatusInactive, StatusError,
	},
	StatusPartiallyFilled: {
		StatusSubmitted, StatusFilled,
		StatusPendingCancel, StatusCancelled, StatusAPICancelled, StatusInactive, StatusError,
	},
	StatusPendingCancel: {
		StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusCancelled, StatusAPICancelled, StatusInactive, StatusError,
	},
}

// CanTransition reports whether moving from one status to another is a legal
// state-machine step. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
