package main

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lavish-rpc/compliance"
	"lavish-rpc/server"
	"lavish-rpc/transport"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile, logLevel, listen = "", "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestClientAgainstServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svr := server.NewServer(compliance.Protocol(), compliance.NewRouter(quiet), transport.WithLogger(quiet))
	go svr.Serve(ln)
	defer svr.Shutdown(time.Second)

	out, err := run(t, "client", ln.Addr().String(), "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, "ok\n", out)
}

func TestClientNeedsAddress(t *testing.T) {
	_, err := run(t, "client")
	require.Error(t, err)
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "client", "127.0.0.1:1", "--log-level", "chatty")
	require.Error(t, err)
	require.Contains(t, err.Error(), "log_level")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lavish.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_size: -1\n"), 0o600))

	_, err := run(t, "--config", path, "client", "127.0.0.1:1")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "queue_size"))
}

func TestConfigFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	_, err := run(t, "--config", path, "client", "127.0.0.1:1")
	require.ErrorIs(t, err, os.ErrNotExist)
}
