package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign(t *testing.T) {
	// echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"
	assert.Equal(t, expected, Sign("secret", []byte("payload")))
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"full_name":"Maria"}`)
	sig := Sign("whsec_test", payload)

	assert.True(t, Verify("whsec_test", payload, sig))

	tampered := append([]byte{}, payload...)
	tampered[3] ^= 0x01
	assert.False(t, Verify("whsec_test", tampered, sig), "single changed byte must fail")
	assert.False(t, Verify("other", payload, sig), "wrong secret must fail")
	assert.False(t, Verify("whsec_test", payload, "zz-not-hex"))
	assert.False(t, Verify("whsec_test", payload, ""))
}
