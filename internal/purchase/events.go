package purchase

// Event types published to the realtime stream.
const (
	EventPurchaseCreated       = "purchase.created"
	EventPurchaseSettled       = "purchase.settled"
	EventPurchaseCancelled     = "purchase.cancelled"
	EventSettlementFailed      = "purchase.settlement_failed"
	EventRefundRequested       = "refund_request.created"
	EventRefundApproved        = "refund_request.approved"
	EventRefundRejected        = "refund_request.rejected"
	EventRefundFailed          = "refund_request.failed"
	EventShipmentStatusChanged = "shipment.status_changed"
)

// EventPublisher receives lifecycle events after the change commits.
// Publish must not block.
type EventPublisher interface {
	Publish(eventType string, data any)
}

type noopEvents struct{}

func (noopEvents) Publish(string, any) {}
