package nats

import (
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

func applyOptions(t *testing.T, c *Client, cfg Config) nats.Options {
	t.Helper()
	o := nats.GetDefaultOptions()
	for _, apply := range c.options(cfg) {
		require.NoError(t, apply(&o))
	}
	return o
}

func TestOptionsDefaults(t *testing.T) {
	c := &Client{logger: logger.Nop()}
	o := applyOptions(t, c, Config{URL: "nats://127.0.0.1:4222"})

	assert.Equal(t, DefaultClientName, o.Name)
	assert.Equal(t, -1, o.MaxReconnect)
	assert.Equal(t, 2*time.Second, o.ReconnectWait)
	assert.Empty(t, o.Token)
	assert.NotNil(t, o.ClosedCB)
}

func TestOptionsOverrides(t *testing.T) {
	c := &Client{logger: logger.Nop()}
	o := applyOptions(t, c, Config{
		Name:          "turns-eu",
		Token:         "s3cret",
		MaxReconnects: 5,
		ReconnectWait: 250 * time.Millisecond,
	})

	assert.Equal(t, "turns-eu", o.Name)
	assert.Equal(t, "s3cret", o.Token)
	assert.Equal(t, 5, o.MaxReconnect)
	assert.Equal(t, 250*time.Millisecond, o.ReconnectWait)
}

func TestConnectionCallbacksFeedHealth(t *testing.T) {
	c := &Client{logger: logger.Nop()}
	o := applyOptions(t, c, Config{})

	o.DisconnectedErrCB(nil, errors.New("stale connection"))
	o.DisconnectedErrCB(nil, nil)
	o.ReconnectedCB(nil)

	h := c.Health()
	assert.False(t, h.Connected)
	assert.Equal(t, uint64(2), h.Disconnects)
	assert.Equal(t, uint64(1), h.Reconnects)
	assert.Equal(t, "stale connection", h.LastError)

	o.AsyncErrorCB(nil, nil, errors.New("slow consumer"))
	assert.EqualError(t, c.LastError(), "slow consumer")
}

func writeCA(t *testing.T) string {
	t.Helper()
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}

func TestTLSConfig(t *testing.T) {
	ca := writeCA(t)

	t.Run("disabled", func(t *testing.T) {
		tc, err := tlsConfig(Config{})
		require.NoError(t, err)
		assert.Nil(t, tc)
	})

	t.Run("ca only", func(t *testing.T) {
		tc, err := tlsConfig(Config{CAFile: ca})
		require.NoError(t, err)
		require.NotNil(t, tc)
		assert.NotNil(t, tc.RootCAs)
		assert.Empty(t, tc.Certificates)
	})

	tests := []struct {
		name     string
		cfg      Config
		contains string
	}{
		{"missing ca file", Config{CAFile: filepath.Join(t.TempDir(), "nope.pem")}, "read CA file"},
		{"cert without ca", Config{CertFile: "c.pem", KeyFile: "k.pem"}, "requires a CA file"},
		{"cert without key", Config{CAFile: ca, CertFile: "c.pem"}, "set together"},
		{"missing client cert", Config{CAFile: ca, CertFile: "c.pem", KeyFile: "k.pem"}, "client cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tlsConfig(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
