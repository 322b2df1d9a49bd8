package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"slices"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/jnst/email-event-service/internal/model"
)

const (
	implicitTLSPort       = 465
	defaultCommandTimeout = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// SMTPTransport implements Transport over net/smtp.
// Cancelling the context of any call closes the connection, aborting blocked I/O.
type SMTPTransport struct {
	dialer    net.Dialer
	tlsConfig *tls.Config
	timeout   time.Duration
	localName string

	host   string
	conn   net.Conn
	client *smtp.Client
}

// SMTPOption configures an SMTPTransport.
type SMTPOption func(*SMTPTransport)

// WithTLSConfig sets the TLS configuration used for implicit TLS and STARTTLS.
// ServerName defaults to the connected host.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithCommandTimeout bounds every network step.
func WithCommandTimeout(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLocalName sets the name sent in EHLO.
func WithLocalName(name string) SMTPOption {
	return func(t *SMTPTransport) {
		t.localName = name
	}
}

// NewSMTPTransport creates an unconnected SMTP transport.
func NewSMTPTransport(opts ...SMTPOption) *SMTPTransport {
	t := &SMTPTransport{timeout: defaultCommandTimeout}
	for _, opt := range opts {
		opt(t)
	}

	t.dialer.Timeout = t.timeout

	return t
}

// NewSMTPFactory returns a Factory producing SMTP transports with the given options.
func NewSMTPFactory(opts ...SMTPOption) Factory {
	return func() Transport {
		return NewSMTPTransport(opts...)
	}
}

// Connect dials the server, reads the greeting and secures the session per mode.
func (t *SMTPTransport) Connect(ctx context.Context, host string, port int, mode SecurityMode) error {
	if t.client != nil {
		return fmt.Errorf("%w: already connected to %s", model.ErrTransport, t.host)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	implicitTLS := mode == SecuritySSLOnConnect || (mode == SecurityAuto && port == implicitTLSPort)

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", model.ErrTransport, addr, err)
	}

	t.host = host
	t.conn = conn

	if err := t.handshake(ctx, implicitTLS, mode); err != nil {
		t.reset()
		return fmt.Errorf("%w: connect %s: %w", model.ErrTransport, addr, err)
	}

	return nil
}

func (t *SMTPTransport) handshake(ctx context.Context, implicitTLS bool, mode SecurityMode) error {
	stop := t.watch(ctx)
	defer stop()

	if implicitTLS {
		tlsConn := tls.Client(t.conn, t.tlsConfigFor())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return err
		}
		t.conn = tlsConn
	}

	client, err := smtp.NewClient(t.conn, t.host)
	if err != nil {
		return err
	}
	t.client = client

	if t.localName != "" {
		if err := client.Hello(t.localName); err != nil {
			return err
		}
	}

	if implicitTLS || mode == SecurityNone {
		return nil
	}

	offered, _ := client.Extension("STARTTLS")
	if !offered {
		if mode == SecurityStartTLS {
			return errors.New("server does not support STARTTLS")
		}

		return nil
	}

	return client.StartTLS(t.tlsConfigFor())
}

// Authenticate performs AUTH PLAIN. An empty username skips authentication.
func (t *SMTPTransport) Authenticate(ctx context.Context, username, password string) error {
	if t.client == nil {
		return fmt.Errorf("%w: authenticate: %w", model.ErrTransport, errNotConnected)
	}
	if username == "" {
		return nil
	}

	stop := t.watch(ctx)
	defer stop()

	if err := t.client.Auth(&plainAuth{username: username, password: password, host: t.host}); err != nil {
		return fmt.Errorf("%w: authenticate as %s: %w", model.ErrTransport, username, err)
	}

	return nil
}

// plainAuth sends AUTH PLAIN over TLS or when the server advertises PLAIN,
// whatever the host address.
type plainAuth struct {
	username, password, host string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if server.Name != a.host {
		return "", nil, fmt.Errorf("wrong host name %q, expected %q", server.Name, a.host)
	}
	if !server.TLS && !slices.Contains(server.Auth, "PLAIN") {
		return "", nil, errors.New("server does not offer AUTH PLAIN")
	}

	return "PLAIN", []byte("\x00" + a.username + "\x00" + a.password), nil
}

func (a *plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}

	return nil, nil
}

// Send transmits one message as a plain-text MIME email.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if t.client == nil {
		return fmt.Errorf("%w: send: %w", model.ErrTransport, errNotConnected)
	}

	stop := t.watch(ctx)
	defer stop()

	if err := t.send(msg); err != nil {
		return fmt.Errorf("%w: send to %s: %w", model.ErrTransport, msg.To, err)
	}

	return nil
}

func (t *SMTPTransport) send(msg *Message) error {
	if err := t.client.Mail(msg.From); err != nil {
		return err
	}
	if err := t.client.Rcpt(msg.To); err != nil {
		return err
	}

	w, err := t.client.Data()
	if err != nil {
		return err
	}

	if _, err := composeMessage(msg).WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}

func composeMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", msg.Body)

	return m
}

// Disconnect closes the session. With quit set, QUIT is sent first.
func (t *SMTPTransport) Disconnect(ctx context.Context, quit bool) error {
	if t.client == nil {
		return nil
	}
	defer t.reset()

	if !quit {
		return nil
	}

	stop := t.watch(ctx)
	defer stop()

	if err := t.client.Quit(); err != nil {
		return fmt.Errorf("%w: quit: %w", model.ErrTransport, err)
	}

	return nil
}

// watch closes the connection when ctx is cancelled and applies the command deadline.
func (t *SMTPTransport) watch(ctx context.Context) func() {
	conn := t.conn
	_ = conn.SetDeadline(time.Now().Add(t.timeout))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	return func() { stop() }
}

func (t *SMTPTransport) reset() {
	if t.client != nil {
		_ = t.client.Close()
	} else if t.conn != nil {
		_ = t.conn.Close()
	}

	t.client = nil
	t.conn = nil
}

func (t *SMTPTransport) tlsConfigFor() *tls.Config {
	var cfg *tls.Config
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.ServerName == "" {
		cfg.ServerName = t.host
	}

	return cfg
}
