package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
)

// signHex returns the hex HMAC of payload under secret.
func signHex(newHash func() hash.Hash, secret string, payload []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// validSignature compares a received hex signature in constant time.
// An empty secret never validates.
func validSignature(newHash func() hash.Hash, secret string, payload []byte, received string) bool {
	if secret == "" || received == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignedHeaders returns the headers a provider would send with body. It lets
// stored payloads be replayed and tests build valid deliveries.
func SignedHeaders(provider, secret string, body []byte, now time.Time) (http.Header, error) {
	h := http.Header{}
	switch provider {
	case domain.ProviderPaystack:
		h.Set(paystackSignatureHeader, signHex(sha512.New, secret, body))
	case domain.ProviderMPesa:
		h.Set(mpesaSignatureHeader, signHex(sha256.New, secret, body))
	case domain.ProviderStripe:
		ts := strconv.FormatInt(now.Unix(), 10)
		sig := signHex(sha256.New, secret, append([]byte(ts+"."), body...))
		h.Set(stripeSignatureHeader, "t="+ts+",v1="+sig)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, provider)
	}
	return h, nil
}
