package laborder

// OrderStatus is the order-level workflow state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSampleCollected OrderStatus = "sample_collected"
	OrderInProgress      OrderStatus = "in_progress"
	OrderPartialResults  OrderStatus = "partial_results"
	OrderCompleted       OrderStatus = "completed"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// TestStatus is the per-test workflow state.
type TestStatus string

const (
	TestOrdered         TestStatus = "ordered"
	TestSampleCollected TestStatus = "sample_collected"
	TestInProgress      TestStatus = "in_progress"
	TestResultsEntered  TestStatus = "results_entered"
	TestValidated       TestStatus = "validated"
	TestCancelled       TestStatus = "cancelled"
)

// orderTransitions defines valid order-level status transitions.
// Cancelled and rejected are reachable from every non-terminal state.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderSampleCollected, OrderCancelled, OrderRejected},
	OrderSampleCollected: {OrderInProgress, OrderCancelled, OrderRejected},
	OrderInProgress:      {OrderPartialResults, OrderCompleted, OrderCancelled, OrderRejected},
	OrderPartialResults:  {OrderCompleted, OrderCancelled, OrderRejected},
	OrderCompleted:       {},
	OrderCancelled:       {},
	OrderRejected:        {},
}

// testTransitions defines valid test-level status transitions.
var testTransitions = map[TestStatus][]TestStatus{
	TestOrdered:         {TestSampleCollected, TestInProgress, TestResultsEntered, TestCancelled},
	TestSampleCollected: {TestInProgress, TestResultsEntered, TestCancelled},
	TestInProgress:      {TestResultsEntered, TestCancelled},
	TestResultsEntered:  {TestResultsEntered, TestValidated, TestCancelled},
	TestValidated:       {},
	TestCancelled:       {},
}

// orderStatusRank orders the forward progression of non-terminal states
// so derived statuses are only ever applied forward.
var orderStatusRank = map[OrderStatus]int{
	OrderPending:         0,
	OrderSampleCollected: 1,
	OrderInProgress:      2,
	OrderPartialResults:  3,
}

// ParseOrderStatus converts a wire value into an OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderPending, OrderSampleCollected, OrderInProgress,
		OrderPartialResults, OrderCompleted, OrderCancelled, OrderRejected:
		return OrderStatus(s), nil
	}
	return "", &ValidationError{
		Message: "unknown status value",
		Fields:  []string{"status"},
	}
}

// IsTerminal reports whether no further transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderRejected
}

// IsTerminal reports whether the test has reached a final state.
func (s TestStatus) IsTerminal() bool {
	return s == TestValidated || s == TestCancelled
}

// Resulted reports whether the test carries accepted results.
func (s TestStatus) Resulted() bool {
	return s == TestResultsEntered || s == TestValidated
}

// CanTransition reports whether an order may move from one status to
// another in a single step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// canTestTransition reports whether a test may move between two states.
func canTestTransition(from, to TestStatus) bool {
	for _, next := range testTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveOrderStatus computes the order status implied by the tests alone.
// It never yields completed: completion stays an explicit transition
// gated on the validation record. Callers apply the result only when it
// moves the order forward.
func DeriveOrderStatus(tests []Test) OrderStatus {
	if len(tests) == 0 {
		return OrderPending
	}
	resulted := 0
	active := 0
	for _, t := range tests {
		switch {
		case t.Status.Resulted():
			resulted++
		case t.Status != TestCancelled:
			active++
		}
	}
	switch {
	case resulted == 0 && active == 0:
		return OrderCancelled
	case resulted == 0:
		return OrderInProgress
	default:
		return OrderPartialResults
	}
}
