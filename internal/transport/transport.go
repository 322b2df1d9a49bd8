// Package transport provides the mail transport used to deliver emails.
package transport

import (
	"context"
	"strings"
)

// SecurityMode selects how the connection to the mail server is secured.
type SecurityMode int

const (
	// SecurityAuto uses implicit TLS on port 465 and opportunistic STARTTLS elsewhere.
	SecurityAuto SecurityMode = iota
	// SecurityNone never negotiates TLS.
	SecurityNone
	// SecuritySSLOnConnect wraps the connection in TLS before the greeting.
	SecuritySSLOnConnect
	// SecurityStartTLS requires the server to offer STARTTLS.
	SecurityStartTLS
	// SecurityStartTLSWhenAvailable upgrades only if the server offers STARTTLS.
	SecurityStartTLSWhenAvailable
)

var securityModeNames = map[SecurityMode]string{
	SecurityAuto:                  "Auto",
	SecurityNone:                  "None",
	SecuritySSLOnConnect:          "SslOnConnect",
	SecurityStartTLS:              "StartTls",
	SecurityStartTLSWhenAvailable: "StartTlsWhenAvailable",
}

// ParseSecurityMode parses a mode name case-insensitively.
// Empty or unknown names yield SecurityAuto.
func ParseSecurityMode(s string) SecurityMode {
	s = strings.TrimSpace(s)
	for mode, name := range securityModeNames {
		if strings.EqualFold(s, name) {
			return mode
		}
	}

	return SecurityAuto
}

func (m SecurityMode) String() string {
	if name, ok := securityModeNames[m]; ok {
		return name
	}

	return securityModeNames[SecurityAuto]
}

// Message is a single plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport is one mail server session. It is not safe for concurrent use;
// every delivery attempt takes a fresh Transport from a Factory.
type Transport interface {
	Connect(ctx context.Context, host string, port int, mode SecurityMode) error
	Authenticate(ctx context.Context, username, password string) error
	Send(ctx context.Context, msg *Message) error
	// Disconnect ends the session, sending QUIT first when quit is true.
	Disconnect(ctx context.Context, quit bool) error
}

// Factory creates a new, unconnected Transport.
type Factory func() Transport
