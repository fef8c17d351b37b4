package config

import (
	"errors"
	"fmt"
	"strings"
)

type AuthMethod string

const (
	AuthAnonymous AuthMethod = "anonymous"
	AuthTicket    AuthMethod = "ticket"
	AuthWAMPCRA   AuthMethod = "wampcra"
)

type AuthConfig struct {
	Method AuthMethod `yaml:"method"`

	AuthID   string `yaml:"authid"`
	AuthRole string `yaml:"authrole"`

	Ticket string `yaml:"ticket"`
	Secret string `yaml:"secret"`
}

func (a *AuthConfig) Validate() error {
	a.Method = AuthMethod(strings.ToLower(strings.TrimSpace(string(a.Method))))
	if a.Method == "" {
		a.Method = AuthAnonymous
	}
	switch a.Method {
	case AuthAnonymous:
	case AuthTicket:
		if a.AuthID == "" {
			return errors.New("config: auth.authid is required for ticket auth")
		}
		if a.Ticket == "" {
			return errors.New("config: auth.ticket is required for ticket auth")
		}
	case AuthWAMPCRA:
		if a.AuthID == "" {
			return errors.New("config: auth.authid is required for wampcra auth")
		}
		if a.Secret == "" {
			return errors.New("config: auth.secret is required for wampcra auth")
		}
	default:
		return fmt.Errorf("config: unknown auth.method %q", a.Method)
	}
	return nil
}
