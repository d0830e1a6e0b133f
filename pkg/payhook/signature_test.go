package payhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var sigTestTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestVerifySignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	secret := []byte("whsec_test")

	header := SignPayload(body, secret, sigTestTime)
	assert.True(t, verifySignature(header, body, secret, sigTestTime))
}

func TestVerifySignatureExactBytes(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"a": 1, "b": 2}`)
	header := SignPayload(body, secret, sigTestTime)

	// Semantically identical JSON with different bytes must fail: the
	// signature covers the raw request, not the parsed value.
	reserialized := []byte(`{"a":1,"b":2}`)
	assert.False(t, verifySignature(header, reserialized, secret, sigTestTime))
}

func TestVerifySignatureRejections(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	secret := []byte("whsec_test")
	valid := SignPayload(body, secret, sigTestTime)

	cases := map[string]struct {
		header string
		body   []byte
		secret []byte
		now    time.Time
	}{
		"wrong secret":    {valid, body, []byte("other"), sigTestTime},
		"tampered body":   {valid, []byte(`{"event_id":"evt_2"}`), secret, sigTestTime},
		"empty header":    {"", body, secret, sigTestTime},
		"missing h1":      {"ts=1750000000", body, secret, sigTestTime},
		"missing ts":      {"h1=deadbeef", body, secret, sigTestTime},
		"garbage header":  {"nonsense", body, secret, sigTestTime},
		"non-numeric ts":  {"ts=abc;h1=deadbeef", body, secret, sigTestTime},
		"stale signature": {valid, body, secret, sigTestTime.Add(signatureFreshness + time.Second)},
		"future skew":     {valid, body, secret, sigTestTime.Add(-(signatureFreshness + time.Second))},
		"empty secret":    {valid, body, nil, sigTestTime},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, verifySignature(tc.header, tc.body, tc.secret, tc.now))
		})
	}
}

func TestVerifySignatureWithinFreshnessWindow(t *testing.T) {
	body := []byte(`{}`)
	secret := []byte("whsec_test")
	header := SignPayload(body, secret, sigTestTime)

	assert.True(t, verifySignature(header, body, secret, sigTestTime.Add(signatureFreshness-time.Second)))
	assert.True(t, verifySignature(header, body, secret, sigTestTime.Add(-(signatureFreshness - time.Second))))
}

func TestParseSignatureHeader(t *testing.T) {
	ts, h1, ok := parseSignatureHeader("ts=1750000000;h1=abc123")
	assert.True(t, ok)
	assert.Equal(t, "1750000000", ts)
	assert.Equal(t, "abc123", h1)

	// Unknown segments are tolerated.
	ts, h1, ok = parseSignatureHeader("ts=1;v=2;h1=abc")
	assert.True(t, ok)
	assert.Equal(t, "1", ts)
	assert.Equal(t, "abc", h1)

	_, _, ok = parseSignatureHeader("ts=1")
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcde", truncate("abcdefgh", 5))
}
