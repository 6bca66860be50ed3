package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// ParseSigningKeyPEM parses a PEM-encoded PKIX ECDSA public key, the format
// storefront services publish their transaction signing key in.
func ParseSigningKeyPEM(pemData string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("signing key is not valid PEM")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signing key")
	}

	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("signing key is not an ECDSA public key")
	}
	return ecdsaKey, nil
}
