package ingest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authguard/internal/config"
	"authguard/internal/model"
)

func receive(t *testing.T, out <-chan model.Report) model.Report {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for report")
	}
	return model.Report{}
}

func TestFileTailFollowsAppendsAndRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("origin=10.0.0.1 event=failed_login\n"), 0o644))

	cfg := config.DefaultConfig()
	cfg.Ingest.FileTail.Enabled = true
	cfg.Ingest.FileTail.Files = []string{path}
	cfg.Ingest.FileTail.StartAtEnd = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Report, 8)
	StartFileTail(ctx, config.NewStaticManager(cfg), NewParser(), out, nil)

	r := receive(t, out)
	require.Equal(t, "10.0.0.1", r.Origin)
	require.Equal(t, sourceFileTail, r.Source)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("origin=10.0.0.2 ")
	require.NoError(t, err)
	_, err = f.WriteString("event=unauthorized\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r = receive(t, out)
	require.Equal(t, "10.0.0.2", r.Origin)
	require.Equal(t, model.KindUnauthorizedAccess, r.Kind)

	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("origin=10.0.0.3 event=failed_login\n"), 0o644))
	r = receive(t, out)
	require.Equal(t, "10.0.0.3", r.Origin)
}

func TestSyslogTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.NewStaticManager(config.DefaultConfig())
	parser := NewParser()
	out := make(chan model.Report, 4)
	go serveTCP(ctx, ln, func(line string) {
		processLine(ctx, cfg, parser, out, nil, sourceSyslog, line)
	}, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn,
		"Feb 23 12:34:56 host sshd[1]: Accepted password for ops from 10.0.0.9 port 22 ssh2\n"+
			"Feb 23 12:34:57 host sshd[2]: Failed password for root from 203.0.113.5 port 2222 ssh2\n")
	require.NoError(t, err)

	// the accepted login is not a security event
	r := receive(t, out)
	require.Equal(t, "203.0.113.5", r.Origin)
	require.Equal(t, model.KindFailedLogin, r.Kind)
	require.Equal(t, "sshd", r.Signature)
	require.Equal(t, sourceSyslog, r.Source)
}
