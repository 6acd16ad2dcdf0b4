package agentrpc

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func signedRequest(t *testing.T, secret []byte, body []byte, now time.Time) *http.Request {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/rpc", bytes.NewReader(body))
	req.Header = Sign(secret, "agent_1", "nonce_1", http.MethodPost, "/rpc", body, now)
	return req
}

func TestHMAC_SignAndVerify(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"list_tools"}`)
	now := time.UnixMilli(1700000000000)

	vr := verifyHMAC(signedRequest(t, secret, body, now), body, secret, now)
	assert.Zero(t, vr.HTTPStatus, vr.Message)
	assert.Equal(t, "agent_1", vr.SessionKey)
	assert.Equal(t, "nonce_1", vr.Nonce)

	vr = verifyHMAC(signedRequest(t, secret, body, now), []byte(`{}`), secret, now)
	assert.Equal(t, http.StatusUnauthorized, vr.HTTPStatus)
	assert.Equal(t, "bad signature", vr.Message)
}

func TestHMAC_Verify_Expired(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"jsonrpc":"2.0"}`)
	now := time.UnixMilli(1700000000000)

	vr := verifyHMAC(signedRequest(t, secret, body, now), body, secret, now.Add(301*time.Second))
	assert.Equal(t, http.StatusUnauthorized, vr.HTTPStatus)
	assert.Equal(t, "x-ts outside window", vr.Message)
}

func TestHMAC_Verify_MissingHeaders(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{}`)
	now := time.UnixMilli(1700000000000)
	for _, h := range []string{headerAgentID, headerTS, headerSignature, headerNonce} {
		req := signedRequest(t, secret, body, now)
		req.Header.Del(h)
		vr := verifyHMAC(req, body, secret, now)
		assert.Equal(t, http.StatusUnauthorized, vr.HTTPStatus, h)
		assert.Equal(t, "missing "+h, vr.Message)
	}
}
