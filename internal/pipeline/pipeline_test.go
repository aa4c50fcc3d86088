package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdjournal "github.com/coreos/go-systemd/v22/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/journal"
	"github.com/usrlog/journal-relay/internal/testutil"
)

type submission struct {
	message  string
	priority sdjournal.Priority
	fields   map[string]string
}

type fakeTransport struct {
	mu        sync.Mutex
	err       error
	submitted []submission
	notify    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notify: make(chan struct{}, 256)}
}

func (f *fakeTransport) Send(message string, priority sdjournal.Priority, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	f.submitted = append(f.submitted, submission{message: message, priority: priority, fields: copied})
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTransport) wait(t *testing.T, n int) []submission {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f.mu.Lock()
		got := len(f.submitted)
		f.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-f.notify:
		case <-deadline:
			t.Fatalf("timeout waiting for %d submissions, got %d", n, got)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

func testConfig(endpoints ...config.Endpoint) *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	cfg.Endpoints = endpoints
	cfg.Retry.BackoffBase = time.Millisecond
	cfg.Retry.BackoffCap = 5 * time.Millisecond
	cfg.Drain.Timeout = 5 * time.Second
	return cfg
}

func dialEventually(t *testing.T, network, address string) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial(network, address)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	return conn
}

func TestNew_ConfigurationErrors(t *testing.T) {
	log := testutil.NewTestLogger()

	// Invalid endpoint set.
	cfg := testConfig()
	_, err := New(cfg, journal.Discard, log)
	assert.Error(t, err)

	// Invalid mapping rule set.
	cfg = testConfig(config.Endpoint{Name: "a", Transport: "udp", Address: ":0", Format: "syslog"})
	cfg.Mapping.Rules = []config.MappingRule{{Source: "message", Field: "MESSAGE", Transform: "nope"}}
	_, err = New(cfg, journal.Discard, log)
	assert.Error(t, err)
}

func TestPipeline_EndToEnd(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.sock")
	cfg := testConfig(config.Endpoint{
		Name:      "app",
		Transport: "unix",
		Address:   sock,
		Format:    "json",
	})

	tr := newFakeTransport()
	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, p.EndpointCount())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	conn := dialEventually(t, "unix", sock)
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, `{"message":"event %d","severity":4,"tag":"apptest"}`+"\n", i)
		require.NoError(t, err)
	}
	conn.Close()

	subs := tr.wait(t, 5)
	for i, s := range subs[:5] {
		assert.Equal(t, fmt.Sprintf("event %d", i), s.message)
		assert.Equal(t, sdjournal.PriWarning, s.priority)
		assert.Equal(t, "apptest", s.fields["SYSLOG_IDENTIFIER"])
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	s := p.Counters()
	assert.Equal(t, uint64(5), s.Accepted)
	assert.Equal(t, uint64(5), s.Parsed)
	assert.Equal(t, uint64(5), s.Mapped)
	assert.Equal(t, uint64(5), s.Submitted)
	assert.Equal(t, uint64(0), s.Dropped())
	assert.Equal(t, journal.StateStopped, p.WriterState())
}

func TestPipeline_MalformedAndUnmappableInput(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.sock")
	cfg := testConfig(config.Endpoint{
		Name:      "app",
		Transport: "unix",
		Address:   sock,
		Format:    "json",
	})

	tr := newFakeTransport()
	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	conn := dialEventually(t, "unix", sock)
	// Malformed JSON, a record without the mandatory message field, and
	// one good record.
	_, err = conn.Write([]byte("not json at all\n" +
		`{"severity":3,"tag":"orphan"}` + "\n" +
		`{"message":"kept"}` + "\n"))
	require.NoError(t, err)
	conn.Close()

	subs := tr.wait(t, 1)
	assert.Equal(t, "kept", subs[0].message)

	cancel()
	<-runDone

	s := p.Counters()
	assert.Equal(t, uint64(3), s.Accepted)
	assert.Equal(t, uint64(1), s.ParseErrors)
	assert.Equal(t, uint64(1), s.MapErrors)
	assert.Equal(t, uint64(1), s.Submitted)
}

func TestPipeline_SyslogDatagramEndpoint(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.dgram")
	cfg := testConfig(config.Endpoint{
		Name:      "syslog",
		Transport: "unixgram",
		Address:   sock,
		Format:    "syslog",
	})

	tr := newFakeTransport()
	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	conn := dialEventually(t, "unixgram", sock)
	_, err = conn.Write([]byte("<11>Oct 11 22:14:15 host cron: job failed"))
	require.NoError(t, err)
	conn.Close()

	subs := tr.wait(t, 1)
	assert.Equal(t, "job failed", subs[0].message)
	assert.Equal(t, sdjournal.PriErr, subs[0].priority)
	assert.Equal(t, "cron", subs[0].fields["SYSLOG_IDENTIFIER"])

	cancel()
	<-runDone
}

func TestPipeline_DrainFlushesQueuedRecords(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.sock")
	cfg := testConfig(config.Endpoint{
		Name:      "app",
		Transport: "unix",
		Address:   sock,
		Format:    "json",
	})

	tr := newFakeTransport()
	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	conn := dialEventually(t, "unix", sock)
	for i := 0; i < 20; i++ {
		_, err := fmt.Fprintf(conn, `{"message":"m%d"}`+"\n", i)
		require.NoError(t, err)
	}
	conn.Close()

	// Shut down promptly; everything already accepted must be flushed.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not complete")
	}

	s := p.Counters()
	assert.Equal(t, s.Accepted, s.Submitted)
	assert.Equal(t, uint64(0), s.Dropped())
}

func TestPipeline_DrainDeadline(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.sock")
	cfg := testConfig(config.Endpoint{
		Name:      "app",
		Transport: "unix",
		Address:   sock,
		Format:    "json",
	})
	// A dead sink with a long backoff wedges the writer; the drain
	// deadline must still bound shutdown.
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.BackoffBase = 10 * time.Second
	cfg.Retry.BackoffCap = 10 * time.Second
	cfg.Drain.Timeout = 100 * time.Millisecond

	tr := newFakeTransport()
	tr.err = errors.New("journal gone")

	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	conn := dialEventually(t, "unix", sock)
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, `{"message":"m%d"}`+"\n", i)
		require.NoError(t, err)
	}
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	cancel()

	start := time.Now()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown not bounded by drain deadline")
	}
	assert.Less(t, time.Since(start), 3*time.Second)

	// Nothing was delivered, nothing vanished silently.
	s := p.Counters()
	assert.Equal(t, uint64(0), s.Submitted)
	assert.Equal(t, s.Accepted, s.Dropped())
}

func TestPipeline_Kill(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "in.sock")
	cfg := testConfig(config.Endpoint{
		Name:      "app",
		Transport: "unix",
		Address:   sock,
		Format:    "json",
	})

	tr := newFakeTransport()
	p, err := New(cfg, tr, testutil.NewTestLogger())
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	// Let the listeners come up, then stop immediately.
	dialEventually(t, "unix", sock).Close()
	p.Kill()

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Kill did not stop the pipeline")
	}
}
