package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyQuickBooksSignature checks the intuit-signature header: the base64
// HMAC-SHA256 of the raw body keyed with the app's verifier token.
func verifyQuickBooksSignature(verifierToken, signature string, body []byte) *authError {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing intuit-signature header"}
	}
	if _, err := base64.StdEncoding.DecodeString(signature); err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "malformed intuit-signature header"}
	}
	expected := signQuickBooksBody(verifierToken, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

func verifyGoogleChannelToken(expected, provided string) *authError {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(provided))) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "channel token mismatch"}
	}
	return nil
}

func signQuickBooksBody(verifierToken string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(verifierToken))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
