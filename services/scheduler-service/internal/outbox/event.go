package outbox

// Reminder lifecycle events. The Kafka topic name equals the event type.
const (
	EventReminderDue = "scheduler.reminder.due.v1"
	EventReminderDLQ = "scheduler.reminder.dlq.v1"
)

// Event is the envelope written to the outbox table inside the transaction
// that changed the reminder job it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
