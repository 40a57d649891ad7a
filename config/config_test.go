package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, Duration(0), cfg.TTL)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `{
		"listen": "127.0.0.1:9000",
		"ttl": "2h30m",
		"log_level": "debug",
		"models": [{"name": "conv", "versions": ["0.1", "0.2"], "default_version": "0.2"}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, Duration(150*time.Minute), cfg.TTL)
	require.Equal(t, "data", cfg.DataDir, "unset fields keep their default")
	require.Len(t, cfg.Models, 1)
	require.Equal(t, "0.2", cfg.Models[0].DefaultVersion)
	require.Equal(t, logrus.DebugLevel, cfg.Logger().GetLevel())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	for name, content := range map[string]string{
		"syntax":      `{"listen": `,
		"duration":    `{"ttl": 30}`,
		"log level":   `{"log_level": "loud"}`,
		"no versions": `{"models": [{"name": "fc"}]}`,
		"workers":     `{"workers": 0}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			require.Error(t, err)
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	cfg, err := Load(writeFile(t, `{"listen": ":7000", "workers": 3}`))
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-listen", ":7100", "-ttl", "10m"}))

	require.Equal(t, ":7100", cfg.Listen)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, Duration(10*time.Minute), cfg.TTL)
	require.NoError(t, cfg.Validate())
}
