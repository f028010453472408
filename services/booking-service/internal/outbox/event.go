package outbox

// Appointment lifecycle events. The Kafka topic name equals the event type,
// one topic per event.
const (
	EventAppointmentBooked    = "booking.appointment.booked.v1"
	EventAppointmentConfirmed = "booking.appointment.confirmed.v1"
	EventAppointmentReleased  = "booking.appointment.released.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
	EventAppointmentCompleted = "booking.appointment.completed.v1"
	EventAppointmentNoShow    = "booking.appointment.noshow.v1"
)

// Event is the domain event envelope written to the outbox table inside the
// transaction that changed the aggregate.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
