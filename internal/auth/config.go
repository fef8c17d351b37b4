package auth

import "github.com/BurntRouter/wampmeter/internal/config"

func FromConfig(cfg config.AuthConfig) *Authenticator {
	return New(Credentials{
		Method:   Method(cfg.Method),
		AuthID:   cfg.AuthID,
		AuthRole: cfg.AuthRole,
		Ticket:   cfg.Ticket,
		Secret:   cfg.Secret,
	})
}
