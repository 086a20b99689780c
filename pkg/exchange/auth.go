package exchange

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// coinbaseTokenTTL bounds how long a signed request token is accepted.
const coinbaseTokenTTL = 2 * time.Minute

// Signer attaches credentials to an outgoing provider request.
type Signer interface {
	Sign(req *http.Request) error
}

// coinbaseClaims binds a key to one request line, "GET host/path".
type coinbaseClaims struct {
	URI string `json:"uri"`
	jwt.RegisteredClaims
}

// CoinbaseSigner signs Advanced Trade requests with a per-request ES256 token
// whose uri claim names the request being made.
type CoinbaseSigner struct {
	keyName string
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

func NewCoinbaseSigner(keyName, privateKeyPEM string) (*CoinbaseSigner, error) {
	key, err := parseECKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &CoinbaseSigner{keyName: keyName, key: key, now: time.Now}, nil
}

// parseECKey accepts SEC1 and PKCS8 encodings; the portal hands out either.
func parseECKey(privateKeyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("coinbase key: no PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("coinbase key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("coinbase key: %T is not an EC key", parsed)
	}
	return key, nil
}

func (s *CoinbaseSigner) Sign(req *http.Request) error {
	now := s.now()
	claims := coinbaseClaims{
		URI: req.Method + " " + req.URL.Host + req.URL.Path,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cdp",
			Subject:   s.keyName,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(coinbaseTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyName
	token.Header["nonce"] = uuid.NewString()

	signed, err := token.SignedString(s.key)
	if err != nil {
		return fmt.Errorf("sign %s token: %w", req.URL.Path, err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}
