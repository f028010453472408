package outbox

// Delivery outcome events. The Kafka topic name equals the event type.
const (
	EventDeliverySent   = "notification.delivery.sent.v1"
	EventDeliveryFailed = "notification.delivery.failed.v1"
)

// Event is the envelope staged in the outbox table after a delivery attempt
// settles.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
