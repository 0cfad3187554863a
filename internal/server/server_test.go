package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_GracefulShutdown(t *testing.T) {
	f := setupFixture(t, fixtureOpts{})

	dir := t.TempDir()
	path := filepath.Join(dir, "leapcompare.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0o644))

	srv := NewServer(Config{
		Service:         f.svc,
		Catalog:         f.server.cfg.Catalog,
		Logger:          f.server.logger,
		ShutdownTimeout: time.Second,
		CatalogPath:     path,
		LoadCatalog: func() ([]catalog.Model, error) {
			return []catalog.Model{{ID: "reloaded", Provider: "echo"}}, nil
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	// a config edit reloads the catalog
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("models: [x]\n"), 0o644)
		_, ok := f.server.cfg.Catalog.Lookup("reloaded")
		return ok
	}, 2*time.Second, 150*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestServe_ListenError(t *testing.T) {
	f := setupFixture(t, fixtureOpts{})
	srv := NewServer(Config{Service: f.svc, Catalog: f.server.cfg.Catalog, Addr: "256.0.0.1:1"})
	assert.Error(t, srv.Serve(context.Background()))
}
