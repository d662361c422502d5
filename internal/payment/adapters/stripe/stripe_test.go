package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
)

func signPayload(secret string, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, string(payload))))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook_ValidSignature(t *testing.T) {
	adapter := New("sk_test_key", "whsec_secret")
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1700000000,v1="+signPayload("whsec_secret", "1700000000", payload))

	event, err := adapter.VerifyWebhook(payload, headers)
	assert.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "invoice.paid", event.Type)
	assert.JSONEq(t, `{"id":"in_1"}`, string(event.Object))
}

func TestVerifyWebhook_WrongSecret(t *testing.T) {
	adapter := New("sk_test_key", "whsec_secret")
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1700000000,v1="+signPayload("whsec_other", "1700000000", payload))

	_, err := adapter.VerifyWebhook(payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyWebhook_TamperedPayload(t *testing.T) {
	adapter := New("sk_test_key", "whsec_secret")
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1700000000,v1="+signPayload("whsec_secret", "1700000000", payload))

	tampered := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`)
	_, err := adapter.VerifyWebhook(tampered, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyWebhook_MissingHeader(t *testing.T) {
	adapter := New("sk_test_key", "whsec_secret")

	_, err := adapter.VerifyWebhook([]byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyWebhook_MalformedEnvelope(t *testing.T) {
	adapter := New("sk_test_key", "whsec_secret")
	payload := []byte(`{"type":"invoice.paid"}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1700000000,v1="+signPayload("whsec_secret", "1700000000", payload))

	_, err := adapter.VerifyWebhook(payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestParseSignatureHeader(t *testing.T) {
	timestamp, signatures, err := parseSignatureHeader("t=123, v1=abc, v1=def, v0=ignored")
	assert.NoError(t, err)
	assert.Equal(t, "123", timestamp)
	assert.Equal(t, []string{"abc", "def"}, signatures)

	_, _, err = parseSignatureHeader("v1=abc")
	assert.Error(t, err)

	_, _, err = parseSignatureHeader("t=123")
	assert.Error(t, err)
}

func TestToCents(t *testing.T) {
	assert.Equal(t, int64(1815), toCents(18.15))
	assert.Equal(t, int64(1500), toCents(15.0))
	assert.Equal(t, int64(0), toCents(0))
}
