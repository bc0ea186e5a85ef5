package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// LinearReplayWindow bounds how old a Linear webhookTimestamp may be before
// the delivery is rejected as a replay.
const LinearReplayWindow = 60 * time.Second

// VerifyGitHubSignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body. The header carries a "sha256=" prefix.
func VerifyGitHubSignature(secret, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return verifyHex(secret, body, digest)
}

// VerifyLinearSignature checks the Linear-Signature header, a bare hex
// HMAC-SHA256 of the raw body.
func VerifyLinearSignature(secret, body []byte, header string) bool {
	return verifyHex(secret, body, header)
}

func verifyHex(secret, body []byte, digest string) bool {
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// TimestampFresh reports whether a Linear webhookTimestamp (milliseconds
// since epoch) falls inside the replay window around now. Slight clock skew
// into the future is tolerated up to the same window.
func TimestampFresh(millis int64, now time.Time) bool {
	if millis <= 0 {
		return false
	}
	at := time.UnixMilli(millis)
	age := now.Sub(at)
	return age <= LinearReplayWindow && age >= -LinearReplayWindow
}
