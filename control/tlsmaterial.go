// Package control exposes the gateway's internal registration and control
// API. The listener requires a client certificate signed by the private
// cluster CA; the certificate's common name is the caller's identity, and
// each endpoint carries its own identity allow-list. A shared-secret header
// mode exists for deployments without mTLS; it is a weaker fallback, not an
// equivalent (anyone holding the one secret is everyone).
package control

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

const (
	caCertFile     = "ca.pem"
	caKeyFile      = "ca-key.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
)

// Material holds the cluster CA and the live server keypair. The server
// certificate sits behind an atomic pointer so an uploaded replacement takes
// effect without tearing the listener down mid-handshake.
type Material struct {
	dir    string
	caPool *x509.CertPool
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	active atomic.Pointer[tls.Certificate]
}

// LoadMaterial loads CA and server material from dir, generating a fresh
// self-signed set on first start.
func LoadMaterial(dir string) (*Material, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create tls dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, caCertFile)); os.IsNotExist(err) {
		if err := generate(dir); err != nil {
			return nil, fmt.Errorf("generate tls material: %w", err)
		}
	}

	m := &Material{dir: dir}

	caPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("read cluster CA: %w", err)
	}
	m.caPool = x509.NewCertPool()
	if !m.caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("cluster CA file %s contains no certificates", caCertFile)
	}
	block, _ := pem.Decode(caPEM)
	m.caCert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cluster CA: %w", err)
	}

	caKeyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err == nil {
		// The CA key is optional at runtime; without it the gateway can
		// still serve, it just cannot issue new client certificates.
		if keyBlock, _ := pem.Decode(caKeyPEM); keyBlock != nil {
			m.caKey, _ = x509.ParseECPrivateKey(keyBlock.Bytes)
		}
	}

	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, serverCertFile),
		filepath.Join(dir, serverKeyFile))
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	m.active.Store(&cert)
	return m, nil
}

// ServerConfig returns the tls.Config for the control listener: client
// certificates are required and verified against the cluster CA.
func (m *Material) ServerConfig() *tls.Config {
	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  m.caPool,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.active.Load(), nil
		},
		MinVersion: tls.VersionTLS12,
	}
}

// PublicConfig returns the tls.Config for the public edge listener when TLS
// termination is enabled: same keypair, no client certificate demanded.
func (m *Material) PublicConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.active.Load(), nil
		},
		MinVersion: tls.VersionTLS12,
	}
}

// CAPool exposes the cluster CA for clients that dial the control listener.
func (m *Material) CAPool() *x509.CertPool { return m.caPool }

// ActiveCert describes the live server certificate (for the info endpoint).
func (m *Material) ActiveCert() (subject string, notAfter time.Time) {
	cert := m.active.Load()
	if cert == nil || len(cert.Certificate) == 0 {
		return "", time.Time{}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", time.Time{}
	}
	return leaf.Subject.String(), leaf.NotAfter
}

// Install validates an uploaded keypair, persists it (write-then-rename, so
// a crash cannot leave a torn pair on disk), and makes it the live server
// certificate.
func (m *Material) Install(keyPEM, certPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("invalid key/certificate pair: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(m.dir, serverCertFile), certPEM, 0o600); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.dir, serverKeyFile), keyPEM, 0o600); err != nil {
		return err
	}

	m.active.Store(&cert)
	return nil
}

// IssueClientCert signs a client certificate for the given identity with
// the cluster CA. Used by the cert subcommand to provision backends.
func (m *Material) IssueClientCert(cn string, ttl time.Duration) (certPEM, keyPEM []byte, err error) {
	if m.caKey == nil {
		return nil, nil, fmt.Errorf("cluster CA key unavailable, cannot issue certificates")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(ttl),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// generate creates a fresh CA plus a server certificate for localhost use.
func generate(dir string) error {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: "clustergate-ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	srvTmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: "clustergate"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	srvDER, err := x509.CreateCertificate(rand.Reader, srvTmpl, caCert, &srvKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	files := []struct {
		name string
		typ  string
		der  []byte
	}{
		{caCertFile, "CERTIFICATE", caDER},
		{serverCertFile, "CERTIFICATE", srvDER},
	}
	for _, f := range files {
		data := pem.EncodeToMemory(&pem.Block{Type: f.typ, Bytes: f.der})
		if err := writeFileAtomic(filepath.Join(dir, f.name), data, 0o644); err != nil {
			return err
		}
	}

	caKeyDER, err := x509.MarshalECPrivateKey(caKey)
	if err != nil {
		return err
	}
	srvKeyDER, err := x509.MarshalECPrivateKey(srvKey)
	if err != nil {
		return err
	}
	keys := []struct {
		name string
		der  []byte
	}{
		{caKeyFile, caKeyDER},
		{serverKeyFile, srvKeyDER},
	}
	for _, k := range keys {
		data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: k.der})
		if err := writeFileAtomic(filepath.Join(dir, k.name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
