package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrClientCertNotSupported = errors.New("tlsutil: require_client_cert needs file-based server cert")

type ServerTLSFiles struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// ClientTLSFiles configures the connection to a wss:// router.
type ClientTLSFiles struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string

	InsecureSkipVerify bool
}

// ServerTLSConfigFor loads the key pair from files, or generates a
// self-signed one when no files are given.
func ServerTLSConfigFor(nextProtos []string, files ServerTLSFiles) (*tls.Config, error) {
	if files.CertFile != "" || files.KeyFile != "" {
		return ServerTLSConfigFromFiles(nextProtos, files)
	}
	if files.RequireClientCert {
		return nil, ErrClientCertNotSupported
	}
	return ServerTLSConfig(nextProtos)
}

func ServerTLSConfigFromFiles(nextProtos []string, files ServerTLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}
	if files.RequireClientCert {
		pool, err := loadPool(files.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: client CA: %w", err)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLSConfigFromFiles builds the dialer TLS config. A nil config and
// nil error mean the system defaults apply.
func ClientTLSConfigFromFiles(files ClientTLSFiles) (*tls.Config, error) {
	if files == (ClientTLSFiles{}) {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         files.ServerName,
		InsecureSkipVerify: files.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if files.CAFile != "" {
		pool, err := loadPool(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: server CA: %w", err)
		}
		cfg.RootCAs = pool
	}
	if files.CertFile != "" || files.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
