package main

import (
	"crypto/tls"

	"github.com/BurntRouter/wampmeter/internal/config"
	"github.com/BurntRouter/wampmeter/internal/tlsutil"
)

func serverTLSConfig(c config.TLSConfig, nextProtos []string) (*tls.Config, error) {
	return tlsutil.ServerTLSConfigFor(nextProtos, tlsutil.ServerTLSFiles{
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		ClientCAFile:      c.ClientCAFile,
		RequireClientCert: c.RequireClientCert,
	})
}

func clientTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	return tlsutil.ClientTLSConfigFromFiles(tlsutil.ClientTLSFiles{
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	})
}
