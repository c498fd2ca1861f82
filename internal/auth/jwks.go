package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

const minRSABits = 2048

// KeySet signs access tokens with one RSA key and verifies tokens signed by
// that key or by any retired key still listed. Key ids are RFC 7638
// thumbprints, so every replica loading the same PEM file publishes and
// expects the same kid.
type KeySet struct {
	signer *rsa.PrivateKey
	kid    string

	// verify holds the signing key and retired keys by kid; order keeps
	// the JWKS output stable with the signing key first.
	verify map[string]*rsa.PublicKey
	order  []string
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewKeySet generates a throwaway signing key. Tokens it signs stop
// validating when the process exits; use LoadKeySet for anything shared.
func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, minRSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return newKeySet(pk, nil)
}

// NewKeySetFromPEM builds a key set from a PEM private key (PKCS#1 or
// PKCS#8). Retired entries may be public keys, certificates or private
// keys; only their public half is kept.
func NewKeySetFromPEM(signing []byte, retired ...[]byte) (*KeySet, error) {
	pk, err := jwt.ParseRSAPrivateKeyFromPEM(signing)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	pubs := make([]*rsa.PublicKey, 0, len(retired))
	for i, raw := range retired {
		pub, err := parseRetiredKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse retired key %d: %w", i, err)
		}
		pubs = append(pubs, pub)
	}
	return newKeySet(pk, pubs)
}

// LoadKeySet reads the signing key and retired keys from disk.
func LoadKeySet(signingFile string, retiredFiles ...string) (*KeySet, error) {
	signing, err := os.ReadFile(signingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	retired := make([][]byte, 0, len(retiredFiles))
	for _, f := range retiredFiles {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read retired key %s: %w", f, err)
		}
		retired = append(retired, b)
	}
	return NewKeySetFromPEM(signing, retired...)
}

func newKeySet(signer *rsa.PrivateKey, retired []*rsa.PublicKey) (*KeySet, error) {
	if signer.N.BitLen() < minRSABits {
		return nil, fmt.Errorf("signing key is %d bits, need at least %d", signer.N.BitLen(), minRSABits)
	}

	ks := &KeySet{
		signer: signer,
		kid:    Thumbprint(&signer.PublicKey),
		verify: map[string]*rsa.PublicKey{},
	}
	ks.add(ks.kid, &signer.PublicKey)

	for _, pub := range retired {
		if pub.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("retired key is %d bits, need at least %d", pub.N.BitLen(), minRSABits)
		}
		ks.add(Thumbprint(pub), pub)
	}
	return ks, nil
}

func (ks *KeySet) add(kid string, pub *rsa.PublicKey) {
	if _, dup := ks.verify[kid]; dup {
		return
	}
	ks.verify[kid] = pub
	ks.order = append(ks.order, kid)
}

func (ks *KeySet) KeyID() string { return ks.kid }

// VerificationKey returns the public key published under kid.
func (ks *KeySet) VerificationKey(kid string) (*rsa.PublicKey, bool) {
	pub, ok := ks.verify[kid]
	return pub, ok
}

func (ks *KeySet) JWKS() JWKS {
	out := JWKS{Keys: make([]JWK, 0, len(ks.order))}
	for _, kid := range ks.order {
		out.Keys = append(out.Keys, rsaPublicJWK(kid, ks.verify[kid]))
	}
	return out
}

// sign returns a compact RS256 token carrying the signing kid.
func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ks.kid
	return tok.SignedString(ks.signer)
}

// GenerateSigningKeyPEM returns a new PKCS#8 PEM RSA key for
// OAUTH_SIGNING_KEY_FILE.
func GenerateSigningKeyPEM(bits int) ([]byte, error) {
	if bits < minRSABits {
		return nil, fmt.Errorf("key size %d is below %d bits", bits, minRSABits)
	}
	pk, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint of an RSA public key.
func Thumbprint(pub *rsa.PublicKey) string {
	jwk := rsaPublicJWK("", pub)
	// Members in lexicographic order, no whitespace.
	canonical := `{"e":"` + jwk.E + `","kty":"RSA","n":"` + jwk.N + `"}`
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func parseRetiredKey(raw []byte) (*rsa.PublicKey, error) {
	if pub, err := jwt.ParseRSAPublicKeyFromPEM(raw); err == nil {
		return pub, nil
	}
	pk, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, errors.New("not an RSA public key, certificate or private key")
	}
	return &pk.PublicKey, nil
}

func rsaPublicJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
