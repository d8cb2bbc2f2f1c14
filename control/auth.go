package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
)

// Identity strings carried by cluster client certificates. The shared-secret
// fallback maps to its own identity so allow-lists can distinguish it.
const (
	IdentityBackend  = "backend"
	IdentityFrontend = "frontend"
	IdentitySecret   = "shared-secret"
)

// SecretHeader carries the shared secret in non-mTLS deployments.
const SecretHeader = "X-Cluster-Secret"

var (
	// ErrNoCredential: the request carried nothing to authenticate with.
	ErrNoCredential = errors.New("no credential presented")
	// ErrBadCredential: a credential was presented but does not check out.
	ErrBadCredential = errors.New("credential rejected")
)

// Authenticator maps a transport-level credential to a logical identity.
// Implementations must be side-effect free: authorization failures leave no
// trace in routing state.
type Authenticator interface {
	Identify(r *http.Request) (string, error)
}

// CertAuthenticator reads the verified client certificate's common name.
// The TLS layer has already checked the chain against the cluster CA
// (RequireAndVerifyClientCert), so by the time a request reaches us an
// unverifiable certificate never shows up here.
type CertAuthenticator struct{}

func (CertAuthenticator) Identify(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", ErrNoCredential
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", ErrBadCredential
	}
	return cn, nil
}

// SecretAuthenticator compares a header against the configured shared
// secret in constant time. Weaker than mTLS: one secret, one identity,
// no revocation story.
type SecretAuthenticator struct {
	Secret string
}

func (a SecretAuthenticator) Identify(r *http.Request) (string, error) {
	if a.Secret == "" {
		return "", ErrNoCredential
	}
	presented := r.Header.Get(SecretHeader)
	if presented == "" {
		return "", ErrNoCredential
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.Secret)) != 1 {
		return "", ErrBadCredential
	}
	return IdentitySecret, nil
}

// ChainAuthenticator tries each authenticator in order, returning the first
// identity. A hard rejection (bad credential) stops the chain: presenting
// a wrong secret must not fall through to "no credential".
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) Identify(r *http.Request) (string, error) {
	for _, a := range c {
		id, err := a.Identify(r)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrBadCredential) {
			return "", err
		}
	}
	return "", ErrNoCredential
}

type identityKey struct{}

func withIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFrom reads the authenticated identity the gate stored on the
// request context. Empty outside the gate.
func identityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}
