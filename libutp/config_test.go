// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
target_delay: 25ms
max_window: 65536
max_syn_retries: 4
`))
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, cfg.TargetDelay)
	assert.Equal(t, 65536, cfg.MaxWindow)
	assert.Equal(t, 4, cfg.MaxSynRetries)
	// untouched
	assert.Equal(t, DefaultConfig().ReorderSpan, cfg.ReorderSpan)
	assert.Equal(t, DefaultConfig().InitialRTO, cfg.InitialRTO)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	for _, doc := range []string{
		"target_delay: 0s",
		"reorder_span: 4096",
		"min_rto: 2s\nmax_rto: 1s",
		"max_window: 100\nmin_window: 200",
		"target_delay: [1, 2]",
	} {
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keepalive_interval: 10s\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
