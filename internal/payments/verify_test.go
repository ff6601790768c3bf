package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"
)

func squareSign(key, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySquareSignature(t *testing.T) {
	body := []byte(`{"type":"payment.updated"}`)
	key := "sig-key"
	url := "https://api.example.com/api/v1/webhooks/square"

	if !verifySquareSignature(key, url, "", body, squareSign(key, url, body)) {
		t.Fatal("valid signature rejected")
	}
	if verifySquareSignature(key, url, "", body, squareSign("other", url, body)) {
		t.Fatal("forged signature accepted")
	}
	if verifySquareSignature("", url, "", body, squareSign(key, url, body)) {
		t.Fatal("empty key must not verify")
	}
}

func TestVerifySquareSignatureFallsBackToActualURL(t *testing.T) {
	body := []byte(`{}`)
	key := "sig-key"
	actual := "https://proxy.example.com/api/v1/webhooks/square"

	if !verifySquareSignature(key, "https://configured.example.com/hook", actual,
		body, squareSign(key, actual, body)) {
		t.Fatal("signature over the actual request url rejected")
	}
}

func stripeSign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Unix(1_700_000_000, 0)

	if !verifyStripeSignature(secret, body, stripeSign(secret, now.Unix(), body), now) {
		t.Fatal("valid signature rejected")
	}
	if verifyStripeSignature(secret, body, stripeSign("wrong", now.Unix(), body), now) {
		t.Fatal("forged signature accepted")
	}
	stale := now.Add(-6 * time.Minute)
	if verifyStripeSignature(secret, body, stripeSign(secret, stale.Unix(), body), now) {
		t.Fatal("stale timestamp accepted")
	}
	if verifyStripeSignature(secret, body, "v1=deadbeef", now) {
		t.Fatal("header without timestamp accepted")
	}
}

func TestVerifyCryptoSignature(t *testing.T) {
	secret := "ipn-secret"
	body := []byte(`{"payment_status":"finished"}`)
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !verifyCryptoSignature(secret, body, sig) {
		t.Fatal("valid signature rejected")
	}
	if !verifyCryptoSignature(secret, body, strings.ToUpper(sig)) {
		t.Fatal("uppercase hex signature rejected")
	}
	if verifyCryptoSignature(secret, []byte(`{"payment_status":"failed"}`), sig) {
		t.Fatal("signature over different body accepted")
	}
}

func TestVerifyACHSignature(t *testing.T) {
	secret := "ach-secret"
	body := []byte(`{"type":"invoice.updated"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !verifyACHSignature(secret, body, sig) {
		t.Fatal("valid signature rejected")
	}
	if verifyACHSignature(secret, body, "not-the-sig") {
		t.Fatal("forged signature accepted")
	}
}
