package kraken

import (
	"net/url"
	"testing"
)

// Vector from the exchange's API documentation.
func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	path := "/0/private/AddOrder"
	nonce := "1616492376594"

	form := url.Values{}
	form.Set("nonce", nonce)
	form.Set("ordertype", "limit")
	form.Set("pair", "XBTUSD")
	form.Set("price", "37500")
	form.Set("type", "buy")
	form.Set("volume", "1.25")

	got, err := Sign(secret, path, nonce, form.Encode())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
}

func TestSignBadSecret(t *testing.T) {
	t.Parallel()

	if _, err := Sign("not-base64!!", "/0/private/Balance", "1", "nonce=1"); err == nil {
		t.Error("expected error for undecodable secret")
	}
}

func TestNonceMonotonic(t *testing.T) {
	t.Parallel()

	var src nonceSource
	prev := ""
	for i := 0; i < 1000; i++ {
		n := src.Next()
		if prev != "" && n <= prev && len(n) == len(prev) {
			t.Fatalf("nonce not increasing: %s then %s", prev, n)
		}
		prev = n
	}
}
