package fileserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert returns a throwaway TLS certificate for loopback tests.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func startServer(t *testing.T, cfg Config) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(cfg, logrus.New())

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(func() { cancel(); _ = ln.Close() })
	go srv.Serve(ctx, ln)

	return ln.Addr().String()
}

func TestFetchFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "db1"), 0o755))
	content := bytes.Repeat([]byte("abcdefgh"), 1000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db1", "Object_1.MYD"), content, 0o644))

	addr := startServer(t, Config{DataDir: dir, Databases: []string{"db1"}, BufferSize: 64})

	client := NewClient(func(worker string) (string, error) { return addr, nil })
	var buf bytes.Buffer
	n, err := client.FetchFile(t.Context(), "worker1", "db1", "Object_1.MYD", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
}

func TestFetchFile_TLSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "db1"), 0o755))
	content := bytes.Repeat([]byte("abcdefgh"), 1000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db1", "Object_1.MYD"), content, 0o644))

	cert := selfSignedCert(t)
	plainLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := tls.NewListener(plainLn, &tls.Config{Certificates: []tls.Certificate{cert}})

	srv := NewServer(Config{DataDir: dir, Databases: []string{"db1"}, BufferSize: 64}, logrus.New())
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(func() { cancel(); _ = ln.Close() })
	go srv.Serve(ctx, ln)

	addr := ln.Addr().String()
	client := NewTLSClient(func(worker string) (string, error) { return addr, nil },
		&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test-only self-signed cert

	var buf bytes.Buffer
	n, err := client.FetchFile(t.Context(), "worker1", "db1", "Object_1.MYD", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
}

func TestFetchFile_MissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "db1"), 0o755))
	addr := startServer(t, Config{DataDir: dir, Databases: []string{"db1"}})

	client := NewClient(func(worker string) (string, error) { return addr, nil })
	var buf bytes.Buffer
	_, err := client.FetchFile(t.Context(), "worker1", "db1", "missing.MYD", &buf)
	assert.ErrorIs(t, err, ErrFileNotAvailable)
}

func TestFetchFile_DatabaseNotConfigured(t *testing.T) {
	dir := t.TempDir()
	addr := startServer(t, Config{DataDir: dir, Databases: []string{"db1"}})

	client := NewClient(func(worker string) (string, error) { return addr, nil })
	var buf bytes.Buffer
	_, err := client.FetchFile(t.Context(), "worker1", "db2", "Object_1.MYD", &buf)
	assert.ErrorIs(t, err, ErrFileNotAvailable)
}

func TestResolvePath_RejectsTraversal(t *testing.T) {
	s := NewServer(Config{DataDir: "/data", Databases: []string{"db1"}}, logrus.New())
	_, ok := s.resolvePath("db1", "../../etc/passwd")
	assert.False(t, ok)

	path, ok := s.resolvePath("db1", "Object_1.MYD")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/data", "db1", "Object_1.MYD"), path)
}
