package orchestrator

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
)

// GetTLSConfig builds the broker TLS config from an optional truststore.
// An empty path means plaintext (local deployments, tests).
func GetTLSConfig(trustStorePath string) (*tls.Config, error) {
	if trustStorePath == "" {
		return nil, nil
	}

	caCert, err := ioutil.ReadFile(trustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read trustStorePath: %w", err)
	}

	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCert)

	config := &tls.Config{
		RootCAs: caCertPool,
	}
	return config, nil
}
