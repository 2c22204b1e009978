package ws

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
)

// SecureContext is an opaque provider of TLS configuration, constructed
// lazily from a keystore file + passphrase. The core treats its internals
// as external collaborator concerns (spec.md §1); only the resulting
// *tls.Config is consumed.
type SecureContext struct {
	keyFile    string
	keyPass    string
	trustFile  string
	trustPass  string

	once    sync.Once
	cfg     *tls.Config
	loadErr error
}

// NewSecureContext returns a SecureContext that builds its TLS material
// from the given PEM keystore files on first use. Either may be empty; an
// empty keyFile yields a context usable only for dialing (client role)
// with the platform's default trust store. The passphrases are stored but
// not used: both files are read as unencrypted PEM.
func NewSecureContext(keyFile, keyPassphrase, trustFile, trustPassphrase string) *SecureContext {
	return &SecureContext{
		keyFile:   keyFile,
		keyPass:   keyPassphrase,
		trustFile: trustFile,
		trustPass: trustPassphrase,
	}
}

// Config returns the lazily-constructed *tls.Config, sharable read-only
// across connections.
func (sc *SecureContext) Config() (*tls.Config, error) {
	sc.once.Do(sc.load)
	return sc.cfg, sc.loadErr
}

func (sc *SecureContext) load() {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if sc.keyFile != "" {
		// The keystore format is opaque to the core (spec.md §6); a combined
		// PEM file carrying both certificate and private key is assumed here.
		cert, err := tls.LoadX509KeyPair(sc.keyFile, sc.keyFile)
		if err != nil {
			sc.loadErr = newErr(KindInternalError, err)
			return
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if sc.trustFile != "" {
		pem, err := os.ReadFile(sc.trustFile)
		if err != nil {
			sc.loadErr = newErr(KindInternalError, err)
			return
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			sc.loadErr = newErr(KindInternalError, errBadTrustStore)
			return
		}
		cfg.RootCAs = pool
	}

	sc.cfg = cfg
}
