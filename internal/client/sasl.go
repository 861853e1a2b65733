package client

import (
	"net/smtp"

	"github.com/emersion/go-sasl"
)

// saslAuth adapts an emersion/go-sasl Client to the net/smtp.Auth
// interface the stdlib client expects, so the scripted client can use
// go-sasl's mechanism implementations (PLAIN, LOGIN, etc.) against a
// server speaking plain SMTP AUTH.
type saslAuth struct {
	c sasl.Client
}

// newPlainAuth builds a saslAuth using go-sasl's PLAIN mechanism.
func newPlainAuth(identity, username, password string) smtp.Auth {
	return &saslAuth{c: sasl.NewPlainClient(identity, username, password)}
}

// newLoginAuth builds a saslAuth using go-sasl's LOGIN mechanism, for
// servers that only advertise AUTH LOGIN.
func newLoginAuth(username, password string) smtp.Auth {
	return &saslAuth{c: sasl.NewLoginClient(username, password)}
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	mech, ir, err := a.c.Start()
	if err != nil {
		return "", nil, err
	}
	return mech, ir, nil
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.c.Next(fromServer)
}
