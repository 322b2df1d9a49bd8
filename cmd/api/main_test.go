package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/email-event-service/internal/config"
	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/transport"
)

func TestServe_DrainsRequestsBeforeStoppingWorkers(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	workerStopped := make(chan struct{})
	worker := func(ctx context.Context) error {
		<-ctx.Done()
		close(workerStopped)
		return nil
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			close(entered)
			<-release
			select {
			case <-workerStopped:
				w.WriteHeader(http.StatusServiceUnavailable)
			default:
				w.WriteHeader(http.StatusOK)
			}
		}),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- serve(ctx, logger.Discard(), srv, ln, 5*time.Second, worker) }()

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			status <- 0
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status <- resp.StatusCode
	}()

	<-entered
	cancel()

	// Shutdown is waiting on the open request; the worker must still be running.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-workerStopped:
		t.Fatal("worker stopped while a request was in flight")
	default:
	}

	close(release)
	assert.Equal(t, http.StatusOK, <-status)

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}

	select {
	case <-workerStopped:
	default:
		t.Fatal("worker still running after serve returned")
	}
}

func TestServe_WorkerFailureStopsServer(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &http.Server{Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	failing := func(context.Context) error { return fmt.Errorf("store unavailable") }

	err = serve(context.Background(), logger.Discard(), srv, ln, time.Second, failing)
	assert.EqualError(t, err, "store unavailable")
}

// acceptHello answers one SMTP session and reports the EHLO line it received.
func acceptHello(t *testing.T, ln net.Listener) <-chan string {
	t.Helper()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- ""
			return
		}
		defer conn.Close()

		r := textproto.NewReader(bufio.NewReader(conn))
		_, _ = fmt.Fprint(conn, "220 fake.test ESMTP\r\n")

		line, err := r.ReadLine()
		if err != nil {
			got <- ""
			return
		}
		got <- line
		_, _ = fmt.Fprint(conn, "250 fake.test\r\n")

		if _, err := r.ReadLine(); err == nil {
			_, _ = fmt.Fprint(conn, "221 bye\r\n")
		}
	}()

	return got
}

func TestSMTPOptions_HeloName(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	hello := acceptHello(t, ln)

	opts := smtpOptions(config.SMTPConfig{
		HeloName:       "relay.example.org",
		TLSServerName:  "mail.example.com",
		CommandTimeout: 5 * time.Second,
	})
	require.Len(t, opts, 3)

	ctx := context.Background()
	tr := transport.NewSMTPFactory(opts...)()
	require.NoError(t, tr.Connect(ctx, "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, transport.SecurityNone))
	require.NoError(t, tr.Disconnect(ctx, true))

	assert.Equal(t, "EHLO relay.example.org", <-hello)
}

func TestSMTPOptions_Defaults(t *testing.T) {
	t.Parallel()

	assert.Len(t, smtpOptions(config.SMTPConfig{}), 1)
}
