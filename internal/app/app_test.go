package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	stub := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	claudeDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(claudeDir, "projects"), 0o755))

	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: port},
		Claude:    config.ClaudeConfig{Dir: claudeDir, Executable: stub, PermissionMode: "default"},
		AutoAbort: config.AutoAbortConfig{Enabled: true, IdleMinutes: 60},
		Logging:   config.LoggingConfig{Level: "error", Format: "console"},
		DataDir:   t.TempDir(),
	}
}

func TestApp_StartServesAPIAndStops(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := testConfig(t)
	a, err := New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	url := fmt.Sprintf("http://%s:%d/api/projects", cfg.Server.Host, cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(ctx)

	_, err = http.Get(url)
	assert.Error(t, err, "server must be down after Stop")
}

func TestApp_MissingExecutableFailsConstruction(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Claude.Executable = filepath.Join(t.TempDir(), "no-such-binary")

	_, err = New(cfg, log)
	require.Error(t, err)
}

func TestApp_StopWithoutStart(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	a, err := New(testConfig(t), log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Stop(ctx)
}
