package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onesub/backend/internal/model"
)

// Event signatures use the header format "t=<unix>,v1=<hex>", where v1 is
// HMAC-SHA256 over "<unix>.<raw body>".

func computeEventSignature(timestamp string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (timestamp, signature string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signature = value
		}
	}
	return timestamp, signature
}

// VerifyEventSignature checks the signature header against the raw body.
// Stale and future-dated timestamps beyond the tolerance are rejected, and the
// comparison is constant time.
func VerifyEventSignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	timestamp, signature := parseSignatureHeader(header)
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: malformed signature header", model.ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", model.ErrSignatureInvalid)
	}

	age := now.Unix() - ts
	if age > int64(tolerance.Seconds()) || -age > int64(tolerance.Seconds()) {
		return fmt.Errorf("%w: timestamp outside tolerance", model.ErrSignatureInvalid)
	}

	expected := computeEventSignature(timestamp, payload, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return model.ErrSignatureInvalid
	}
	return nil
}

// SignEventPayload produces a signature header for a payload. Used by tests
// and the outbound retry path.
func SignEventPayload(payload []byte, secret string, now time.Time) string {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	return "t=" + timestamp + ",v1=" + computeEventSignature(timestamp, payload, secret)
}
