package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Sends a signed payment_intent.* event at the booking service, standing in
// for Stripe during local development.
func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking service base url")
		evtType     = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "stripe event type")
		appointment = flag.String("appointment-id", getenv("APPOINTMENT_ID", ""), "appointment_id metadata")
		intentID    = flag.String("intent-id", getenv("PAYMENT_INTENT_ID", ""), "payment intent id (defaults to pi_test_<appointment-id>)")
		failMsg     = flag.String("failure-message", getenv("FAILURE_MESSAGE", "card declined"), "last_payment_error message for failure events")
		secret      = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}
	if strings.TrimSpace(*intentID) == "" {
		*intentID = "pi_test_" + *appointment
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *appointment, *intentID, *failMsg)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, appointmentID, intentID, failMsg string) ([]byte, error) {
	created := t.Unix()
	intent := map[string]any{
		"id":     intentID,
		"object": "payment_intent",
		"metadata": map[string]any{
			"appointment_id": appointmentID,
		},
	}
	switch eventType {
	case "payment_intent.succeeded":
		intent["status"] = "succeeded"
	case "payment_intent.payment_failed":
		intent["status"] = "requires_payment_method"
		intent["last_payment_error"] = map[string]any{"message": failMsg}
	case "payment_intent.canceled":
		intent["status"] = "canceled"
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     created,
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": intent},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
