package mainboilerplate

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// BuildTLSConfig returns a client tls.Config presenting the certificate of
// |certPath| and |keyPath|, if set, and trusting the CA of |trustedCAPath|
// in addition to system roots, if set.
func BuildTLSConfig(certPath, keyPath, trustedCAPath string) (*tls.Config, error) {
	var cfg = &tls.Config{MinVersion: tls.VersionTLS12}

	if certPath != "" || keyPath != "" {
		var cert, err = tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, errors.WithMessage(err, "loading client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if trustedCAPath != "" {
		var pem, err = os.ReadFile(trustedCAPath)
		if err != nil {
			return nil, errors.WithMessage(err, "reading trusted CA")
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", trustedCAPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
