package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

type Method string

const (
	MethodAnonymous Method = "anonymous"
	MethodTicket    Method = "ticket"
	MethodWAMPCRA   Method = "wampcra"
)

// WAMP-CRA key derivation defaults used when the router sends a salt
// without iterations or keylen.
const (
	DefaultCRAIterations = 1000
	DefaultCRAKeyLen     = 32
)

var (
	ErrUnsupportedMethod = errors.New("auth: unsupported method")
	ErrMissingChallenge  = errors.New("auth: challenge missing from wampcra extra")
)

type Credentials struct {
	Method   Method
	AuthID   string
	AuthRole string

	// Ticket is sent verbatim for MethodTicket.
	Ticket string
	// Secret signs WAMP-CRA challenges.
	Secret string
}

// Authenticator answers router challenges on behalf of one principal.
type Authenticator struct {
	creds Credentials
}

func New(c Credentials) *Authenticator {
	if c.Method == "" {
		c.Method = MethodAnonymous
	}
	return &Authenticator{creds: c}
}

func (a *Authenticator) AuthID() string   { return a.creds.AuthID }
func (a *Authenticator) AuthRole() string { return a.creds.AuthRole }

// Methods lists the authmethods announced in HELLO.
func (a *Authenticator) Methods() []string {
	return []string{string(a.creds.Method)}
}

// Respond computes the AUTHENTICATE signature for a CHALLENGE.
func (a *Authenticator) Respond(method string, extra map[string]any) (string, error) {
	if Method(method) != a.creds.Method {
		return "", fmt.Errorf("%w: router challenged with %q, configured %q", ErrUnsupportedMethod, method, a.creds.Method)
	}
	switch a.creds.Method {
	case MethodTicket:
		return a.creds.Ticket, nil
	case MethodWAMPCRA:
		challenge, ok := extra["challenge"].(string)
		if !ok || challenge == "" {
			return "", ErrMissingChallenge
		}
		key := []byte(a.creds.Secret)
		if salt, ok := extra["salt"].(string); ok && salt != "" {
			iterations := intFromExtra(extra["iterations"], DefaultCRAIterations)
			keyLen := intFromExtra(extra["keylen"], DefaultCRAKeyLen)
			key = DeriveKey(a.creds.Secret, salt, iterations, keyLen)
		}
		return SignChallenge(key, challenge), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// DeriveKey returns the base64 form of the PBKDF2-SHA256 derived key, which
// is what salted WAMP-CRA uses as the HMAC key.
func DeriveKey(secret, salt string, iterations, keyLen int) []byte {
	dk := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(dk)))
	base64.StdEncoding.Encode(out, dk)
	return out
}

// SignChallenge returns base64(HMAC-SHA256(key, challenge)).
func SignChallenge(key []byte, challenge string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challenge))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func intFromExtra(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case interface{ Int64() (int64, error) }:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}
