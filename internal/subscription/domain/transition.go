package domain

// Transition is a state change of a subscription.
type Transition struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

var validTransitions = map[Transition]bool{
	{SubscriptionStatusPendingAllocation, SubscriptionStatusActive}:    true,
	{SubscriptionStatusPendingAllocation, SubscriptionStatusCancelled}: true,
	{SubscriptionStatusActive, SubscriptionStatusExpired}:              true,
	{SubscriptionStatusActive, SubscriptionStatusCancelled}:            true,
	{SubscriptionStatusExpired, SubscriptionStatusPendingAllocation}:   true,
}

func CanTransition(from, to SubscriptionStatus) bool {
	return validTransitions[Transition{From: from, To: to}]
}

// IsTerminal reports whether cancel and expire are no-ops on the status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusExpired || s == SubscriptionStatusCancelled
}
