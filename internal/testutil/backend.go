package testutil

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/loopserver"
)

// DefaultSimulateDelay keeps simulated generations short but observable.
const DefaultSimulateDelay = 20 * time.Millisecond

// TestBackend is a reference loop backend served over HTTP for tests.
type TestBackend struct {
	Server       *loopserver.Server
	HTTP         *httptest.Server
	Client       *client.Client
	WorkflowsDir string
	OutputDir    string
}

// BackendOption adjusts a test backend before it starts.
type BackendOption func(*loopserver.Config)

// WithSimulateDelay sets how long each simulated generation runs.
func WithSimulateDelay(d time.Duration) BackendOption {
	return func(cfg *loopserver.Config) {
		cfg.SimulateDelay = d
	}
}

// NewTestBackend starts a backend with an empty workflow catalog. It is shut
// down with the test.
func NewTestBackend(t *testing.T, opts ...BackendOption) *TestBackend {
	t.Helper()

	cfg := loopserver.Config{
		SimulateDelay: DefaultSimulateDelay,
		WorkflowsDir:  t.TempDir(),
		OutputDir:     t.TempDir(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := loopserver.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	c, err := client.New(client.Options{BaseURL: ts.URL})
	require.NoError(t, err, "failed to create backend client")

	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &TestBackend{
		Server:       srv,
		HTTP:         ts,
		Client:       c,
		WorkflowsDir: cfg.WorkflowsDir,
		OutputDir:    cfg.OutputDir,
	}
}

// WriteWorkflow adds a workflow to the catalog under name, e.g. "demo/basic.json".
func (b *TestBackend) WriteWorkflow(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(b.WorkflowsDir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
