package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Sign computes the API-Sign header for a private endpoint:
//
//	HMAC-SHA512(base64decode(secret), path || SHA256(nonce || body))
//
// encoded as base64. The nonce must be the same value injected into the
// form-encoded body.
func Sign(secret, path, nonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	sha := sha256.New()
	sha.Write([]byte(nonce + body))
	digest := sha.Sum(nil)

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// nonceSource issues strictly increasing millisecond nonces. Two calls
// within the same millisecond bump the counter so the exchange never
// sees a duplicate.
type nonceSource struct {
	mu   sync.Mutex
	last int64
}

func (n *nonceSource) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= n.last {
		now = n.last + 1
	}
	n.last = now
	return fmt.Sprintf("%d", now)
}
