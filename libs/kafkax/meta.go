package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the envelope every message carries in headers: a unique event
// id for inbox dedup and the event type (which doubles as the topic name).
type EventMeta struct {
	EventID   string
	EventType string
}

// ExtractEventMeta reads the envelope off a message, falling back to the
// message key and topic for producers that predate the headers.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, "event_id"),
		EventType: HeaderValue(msg.Headers, "event_type"),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// HeaderValue returns the first header with the given key, or "".
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers turns the comma-separated KAFKA_BROKERS value into a list,
// dropping empty entries.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			brokers = append(brokers, entry)
		}
	}
	return brokers
}
