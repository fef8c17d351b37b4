package config

import "fmt"

type AdminConfig struct {
	Addr        string `yaml:"addr"`
	EnablePprof bool   `yaml:"enable_pprof"`

	// H3Addr additionally serves the admin mux over HTTP/3 when set.
	H3Addr string    `yaml:"h3_addr"`
	TLS    TLSConfig `yaml:"tls"`
}

// TLSConfig is used as client TLS for wss:// routers and as server TLS for
// the HTTP/3 admin listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	CAFile            string `yaml:"ca_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (t TLSConfig) validateKeyPair(field string) error {
	if t.CertFile != "" && t.KeyFile == "" {
		return fmt.Errorf("config: %s.key_file is required when cert_file is set", field)
	}
	if t.KeyFile != "" && t.CertFile == "" {
		return fmt.Errorf("config: %s.cert_file is required when key_file is set", field)
	}
	return nil
}
