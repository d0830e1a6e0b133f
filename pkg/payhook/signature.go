package payhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// signatureFreshness is the maximum allowed skew between the timestamp in the
// signature header and the receiving clock. Stale signatures are rejected to
// limit replay of captured requests (the dedupe gate catches the rest).
const signatureFreshness = 5 * time.Minute

// parseSignatureHeader splits the provider's "ts=...;h1=..." header.
func parseSignatureHeader(header string) (ts, h1 string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", false
	}
	for _, part := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "h1":
			h1 = kv[1]
		}
	}
	if ts == "" || h1 == "" {
		return "", "", false
	}
	return ts, h1, true
}

// verifySignature checks the provider signature against the exact raw request
// bytes. The signed message is "<ts>:<body>"; re-serialized JSON must never be
// used here because serialization is not byte-stable.
func verifySignature(header string, body, secret []byte, now time.Time) bool {
	if len(secret) == 0 {
		return false
	}
	ts, h1, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - tsInt
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(signatureFreshness.Seconds()) {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(h1))
}

// SignPayload produces a valid signature header for body at time now. Intended
// for tests and local tooling that simulate provider deliveries.
func SignPayload(body, secret []byte, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}
