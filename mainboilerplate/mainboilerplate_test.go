package mainboilerplate

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
	"go.livestore.dev/core/stores"
)

func TestGenerateID(t *testing.T) {
	require.Equal(t, "fixed", GenerateID("fixed"))

	var id = GenerateID("")
	require.NotEmpty(t, id)
	require.GreaterOrEqual(t, strings.Count(id, "-"), 1)
	require.Equal(t, "fixed", ServiceConfig{ID: "fixed"}.ProcessID())
}

func TestConfigRoots(t *testing.T) {
	t.Setenv("LIVESTORE_CONFIG_ROOT", "/etc/livestore")
	t.Setenv("HOME", "/home/someone")
	t.Setenv("UserProfile", "")

	require.Equal(t, []string{
		".",
		"/etc/livestore",
		filepath.Join("/home/someone", ".config", "livestore"),
	}, ConfigRoots())
}

func TestParseIniAndEnvironment(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.ini"), []byte(`
[Store]
url = file:///tmp/
root = docs/

[PubSub]
topic-root = app
`), 0644))

	var cfg struct {
		Store  StoreConfig  `group:"Store" namespace:"store" env-namespace:"STORE"`
		PubSub PubSubConfig `group:"PubSub" namespace:"pubsub" env-namespace:"PUBSUB"`
	}
	var parser = flags.NewParser(&cfg, flags.Default)
	require.NoError(t, flags.NewIniParser(parser).ParseFile(filepath.Join(dir, "test.ini")))
	// Defaults fill options which the INI file didn't set.
	var _, err = parser.ParseArgs(nil)
	require.NoError(t, err)

	require.Equal(t, "file:///tmp/", cfg.Store.URL)
	require.Equal(t, "docs/", cfg.Store.Root)
	require.Equal(t, "app", cfg.PubSub.TopicRoot)
	require.Equal(t, "websocket", cfg.PubSub.Transport)
	require.Equal(t, "/livestore/events", cfg.PubSub.Etcd.Prefix)

	var provider = cfg.PubSub.MustProvider()
	require.Equal(t, []string{"app/#"}, provider.Topics)
	require.NotEmpty(t, provider.Identity)
}

func TestMustStoreOfMemory(t *testing.T) {
	stores.RegisterProviders(map[string]stores.Constructor{
		"memory": func(ep *url.URL) (stores.Store, error) { return stores.NewMemoryStore(ep), nil },
	})
	var cfg = StoreConfig{URL: "memory:///test-must-store/"}
	require.Equal(t, "memory", cfg.MustStore().Provider())

	cfg.URL = "unknown://bucket/"
	require.Panics(t, func() { cfg.MustStore() })
}

func TestBuildTLSConfigErrors(t *testing.T) {
	var cfg, err = BuildTLSConfig("", "", "")
	require.NoError(t, err)
	require.Empty(t, cfg.Certificates)

	_, err = BuildTLSConfig("missing.crt", "missing.key", "")
	require.Error(t, err)

	var ca = filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0644))
	_, err = BuildTLSConfig("", "", ca)
	require.EqualError(t, err, "no certificates found in "+ca)
}

func TestDiagnosticsHandlers(t *testing.T) {
	var mux = http.NewServeMux()
	RegisterDiagnostics(mux)

	var srv = httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/ready")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/debug/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMust(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "ok") })
	require.Panics(t, func() { Must(os.ErrNotExist, "failed", "key", "value") })
}
