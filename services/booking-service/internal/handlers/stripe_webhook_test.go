package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const signingSecret = "whsec_test_secret"

type fakePaymentEvents struct {
	succeeded [][2]string // appointmentID, paymentRef
	failed    [][2]string // appointmentID, reason
	err       error
}

func (f *fakePaymentEvents) HandlePaymentSucceeded(_ context.Context, appointmentID, paymentRef string) error {
	f.succeeded = append(f.succeeded, [2]string{appointmentID, paymentRef})
	return f.err
}

func (f *fakePaymentEvents) HandlePaymentFailed(_ context.Context, appointmentID, reason string) error {
	f.failed = append(f.failed, [2]string{appointmentID, reason})
	return f.err
}

type fakeEventStore struct {
	seen     bool
	inserted []string
}

func (f *fakeEventStore) Seen(_ context.Context, _, _ string) (bool, error) {
	return f.seen, nil
}

func (f *fakeEventStore) Insert(_ context.Context, _, providerEventID, _ string, _ []byte) error {
	f.inserted = append(f.inserted, providerEventID)
	return nil
}

func intentEvent(t *testing.T, eventType, intentID, appointmentID, failMsg string) []byte {
	t.Helper()
	intent := map[string]any{
		"id":     intentID,
		"object": "payment_intent",
	}
	if appointmentID != "" {
		intent["metadata"] = map[string]any{"appointment_id": appointmentID}
	}
	if failMsg != "" {
		intent["last_payment_error"] = map[string]any{"message": failMsg}
	}
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"object":      "event",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": intent},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func postWebhook(t *testing.T, srv *httptest.Server, payload []byte, secret string) (*http.Response, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Stripe-Signature", signed.Header)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func newWebhookServer(events *fakePaymentEvents, store *fakeEventStore) *httptest.Server {
	h := NewStripeWebhookHandler(signingSecret, 5*time.Minute, events, store, testLogger())
	return httptest.NewServer(h)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	events := &fakePaymentEvents{}
	srv := newWebhookServer(events, &fakeEventStore{})
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.succeeded", "pi_1", "appt-1", "")
	resp, _ := postWebhook(t, srv, payload, "whsec_wrong_secret")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if len(events.succeeded) != 0 {
		t.Fatal("a forged event must never reach the orchestrator")
	}
}

func TestWebhookRejectsMissingSignatureHeader(t *testing.T) {
	srv := newWebhookServer(&fakePaymentEvents{}, &fakeEventStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json",
		bytes.NewReader(intentEvent(t, "payment_intent.succeeded", "pi_1", "appt-1", "")))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWebhookSuccessDrivesConfirm(t *testing.T) {
	events := &fakePaymentEvents{}
	store := &fakeEventStore{}
	srv := newWebhookServer(events, store)
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.succeeded", "pi_1", "appt-1", "")
	resp, raw := postWebhook(t, srv, payload, signingSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if len(events.succeeded) != 1 || events.succeeded[0] != [2]string{"appt-1", "pi_1"} {
		t.Fatalf("expected confirm for appt-1/pi_1, got %v", events.succeeded)
	}
	if len(store.inserted) != 1 || store.inserted[0] != "evt_test_1" {
		t.Fatalf("expected the event recorded, got %v", store.inserted)
	}
}

func TestWebhookFailureCarriesReason(t *testing.T) {
	events := &fakePaymentEvents{}
	srv := newWebhookServer(events, &fakeEventStore{})
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.payment_failed", "pi_1", "appt-1", "card declined")
	resp, _ := postWebhook(t, srv, payload, signingSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(events.failed) != 1 || events.failed[0] != [2]string{"appt-1", "card declined"} {
		t.Fatalf("expected release with the card error, got %v", events.failed)
	}
}

func TestWebhookDuplicateAcknowledged(t *testing.T) {
	events := &fakePaymentEvents{}
	store := &fakeEventStore{seen: true}
	srv := newWebhookServer(events, store)
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.succeeded", "pi_1", "appt-1", "")
	resp, raw := postWebhook(t, srv, payload, signingSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil || body["status"] != "duplicate" {
		t.Fatalf("expected duplicate ack, got %s", raw)
	}
	if len(events.succeeded) != 0 {
		t.Fatal("a duplicate event must not be reprocessed")
	}
}

func TestWebhookForeignIntentAcknowledged(t *testing.T) {
	// No appointment_id metadata: some other product on the same account.
	events := &fakePaymentEvents{}
	srv := newWebhookServer(events, &fakeEventStore{})
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.succeeded", "pi_1", "", "")
	resp, _ := postWebhook(t, srv, payload, signingSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(events.succeeded) != 0 {
		t.Fatal("an intent without our metadata must be ignored")
	}
}

func TestWebhookProcessingErrorTriggersRetry(t *testing.T) {
	events := &fakePaymentEvents{err: context.DeadlineExceeded}
	store := &fakeEventStore{}
	srv := newWebhookServer(events, store)
	defer srv.Close()

	payload := intentEvent(t, "payment_intent.succeeded", "pi_1", "appt-1", "")
	resp, _ := postWebhook(t, srv, payload, signingSecret)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", resp.StatusCode)
	}
	if len(store.inserted) != 0 {
		t.Fatal("a failed event must stay unlatched for the retry")
	}
}
