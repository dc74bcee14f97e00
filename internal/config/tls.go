package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig names PEM files for mutual TLS. Empty means plain TCP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// Load returns the certificate and CA pool.
func (t TLSConfig) Load() (tls.Certificate, *x509.CertPool, error) {
	if t.CertFile == "" || t.KeyFile == "" || t.CAFile == "" {
		return tls.Certificate{}, nil, errors.New("tls needs cert_file, key_file and ca_file")
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load certificate: %w", err)
	}

	caCert, err := os.ReadFile(t.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return tls.Certificate{}, nil, errors.New("parse CA certificate")
	}
	return cert, pool, nil
}

// ServerConfig builds a TLS 1.3 server config requiring client certificates.
func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, pool, err := t.Load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
