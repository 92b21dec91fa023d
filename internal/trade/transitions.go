package trade

import "fmt"

// Action names a state-machine event.
type Action string

const (
	ActionCreate        Action = "CREATE"
	ActionLockSucceeded Action = "LOCK_SUCCEEDED"
	ActionLockFailed    Action = "LOCK_FAILED"
	ActionMarkPaid      Action = "MARK_PAID"
	ActionCancel        Action = "CANCEL"
	ActionConfirm       Action = "CONFIRM"
	ActionDispute       Action = "DISPUTE"
	ActionTimeout       Action = "TIMEOUT"
	ActionAdminResolve  Action = "ADMIN_RESOLVE"
	ActionAdminCancel   Action = "ADMIN_CANCEL"
	ActionAssign        Action = "ASSIGN"
	ActionMessage       Action = "MESSAGE"

	// ActionSettlementReconciled records a hold settlement whose trade moved
	// to another status before the settlement's own write landed.
	ActionSettlementReconciled Action = "SETTLEMENT_RECONCILED"
)

type edge struct {
	action Action
	from   Status
	to     Status
}

// transitions is the complete set of legal status changes and who may make
// them. Anything not listed is rejected.
var transitions = map[edge][]Party{
	{ActionLockSucceeded, StatusPendingEscrow, StatusEscrowed}:  {PartySystem},
	{ActionLockFailed, StatusPendingEscrow, StatusCancelled}:    {PartySystem},
	{ActionTimeout, StatusPendingEscrow, StatusExpired}:         {PartySystem},
	{ActionMarkPaid, StatusEscrowed, StatusPaymentSent}:         {PartyBuyer},
	{ActionCancel, StatusEscrowed, StatusCancelled}:             {PartyBuyer, PartySeller},
	{ActionTimeout, StatusEscrowed, StatusCancelled}:            {PartySystem},
	{ActionTimeout, StatusPaymentSent, StatusCancelled}:         {PartySystem},
	{ActionTimeout, StatusPaymentSent, StatusDisputed}:          {PartySystem},
	{ActionConfirm, StatusPaymentSent, StatusCompleted}:         {PartySeller},
	{ActionDispute, StatusEscrowed, StatusDisputed}:             {PartyBuyer, PartySeller},
	{ActionDispute, StatusPaymentSent, StatusDisputed}:          {PartyBuyer, PartySeller},
	{ActionAdminResolve, StatusEscrowed, StatusCompleted}:       {PartyAdmin},
	{ActionAdminResolve, StatusPaymentSent, StatusCompleted}:    {PartyAdmin},
	{ActionAdminResolve, StatusDisputed, StatusCompleted}:       {PartyAdmin},
	{ActionAdminResolve, StatusPendingEscrow, StatusCancelled}:  {PartyAdmin},
	{ActionAdminResolve, StatusEscrowed, StatusCancelled}:       {PartyAdmin},
	{ActionAdminResolve, StatusPaymentSent, StatusCancelled}:    {PartyAdmin},
	{ActionAdminResolve, StatusDisputed, StatusCancelled}:       {PartyAdmin},
	{ActionAdminCancel, StatusPendingEscrow, StatusCancelled}:   {PartyAdmin},
	{ActionAdminCancel, StatusEscrowed, StatusCancelled}:        {PartyAdmin},
	{ActionAdminCancel, StatusPaymentSent, StatusCancelled}:     {PartyAdmin},
	{ActionAdminCancel, StatusDisputed, StatusCancelled}:        {PartyAdmin},

	{ActionSettlementReconciled, StatusPendingEscrow, StatusCancelled}: {PartySystem},
	{ActionSettlementReconciled, StatusPendingEscrow, StatusExpired}:   {PartySystem},
	{ActionSettlementReconciled, StatusEscrowed, StatusCancelled}:      {PartySystem},
	{ActionSettlementReconciled, StatusEscrowed, StatusExpired}:        {PartySystem},
	{ActionSettlementReconciled, StatusEscrowed, StatusCompleted}:      {PartySystem},
	{ActionSettlementReconciled, StatusPaymentSent, StatusCancelled}:   {PartySystem},
	{ActionSettlementReconciled, StatusPaymentSent, StatusCompleted}:   {PartySystem},
	{ActionSettlementReconciled, StatusDisputed, StatusCancelled}:      {PartySystem},
	{ActionSettlementReconciled, StatusDisputed, StatusCompleted}:      {PartySystem},
}

// CanTransition reports whether party may perform action moving a trade
// from → to.
func CanTransition(action Action, party Party, from, to Status) bool {
	for _, p := range transitions[edge{action, from, to}] {
		if p == party {
			return true
		}
	}
	return false
}

func checkTransition(action Action, party Party, from, to Status) error {
	if CanTransition(action, party, from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s cannot %s a %s trade", ErrInvalidTransition, party, action, from)
}
