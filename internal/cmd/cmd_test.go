package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/onlycat/onlycattest"
	"github.com/catflap-labs/onlycat-bridge/internal/setup"
	"github.com/catflap-labs/onlycat-bridge/internal/tui"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*flow.Manager, *entry.Registry, *onlycattest.Server) {
	t.Helper()
	gw := onlycattest.NewServer()
	t.Cleanup(gw.Close)
	gw.AddUser("good-token", `{"id":7}`)

	cfg := &config.Config{}
	cfg.OnlyCat.GatewayURL = gw.GatewayURL()
	cfg.OnlyCat.HandshakeTimeoutSeconds = 2
	cfg.OnlyCat.RequestTimeoutSeconds = 2
	cfg.ApplyDefaults()

	registry := entry.NewRegistry(entry.NewFileStore(t.TempDir()))
	require.NoError(t, registry.Load(context.Background()))
	manager := flow.NewManager(registry, nil)
	setup.Register(manager, cfg)
	return manager, registry, gw
}

func TestDoSetupWithToken(t *testing.T) {
	manager, registry, _ := newTestService(t)
	var out bytes.Buffer

	res, err := DoSetup(context.Background(), manager, &SetupOptions{Token: "good-token", Output: &out})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeCreateEntry, res.Type)
	assert.Equal(t, "7", res.Title)
	assert.True(t, registry.IsConfigured(setup.Domain, "7"))
	assert.Contains(t, out.String(), "7")

	progress, err := manager.Progress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, progress)
}

func TestDoSetupPromptsWithoutTUI(t *testing.T) {
	manager, registry, _ := newTestService(t)
	prompted := ""
	opts := &SetupOptions{
		NoTUI:  true,
		Output: &bytes.Buffer{},
		Prompt: func(p string) (string, error) {
			prompted = p
			return " good-token \n", nil
		},
	}

	_, err := DoSetup(context.Background(), manager, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, prompted)
	assert.Len(t, registry.List(setup.Domain), 1)
}

func TestDoSetupRejectedTokenAbortsFlow(t *testing.T) {
	manager, registry, _ := newTestService(t)

	_, err := DoSetup(context.Background(), manager, &SetupOptions{Token: "bad-token", Output: &bytes.Buffer{}})
	require.ErrorIs(t, err, ErrSetupRejected)
	assert.Empty(t, registry.List(""))

	progress, errProgress := manager.Progress(context.Background())
	require.NoError(t, errProgress)
	assert.Empty(t, progress)
}

func TestDoSetupAlreadyConfigured(t *testing.T) {
	manager, registry, _ := newTestService(t)
	_, err := DoSetup(context.Background(), manager, &SetupOptions{Token: "good-token", Output: &bytes.Buffer{}})
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := DoSetup(context.Background(), manager, &SetupOptions{Token: "good-token", Output: &out})
	require.NoError(t, err)
	assert.Equal(t, flow.ResultTypeAbort, res.Type)
	assert.Equal(t, flow.ReasonAlreadyConfigured, res.Reason)
	assert.Len(t, registry.List(setup.Domain), 1)
	assert.NotEmpty(t, out.String())
}

func TestDoSetupPromptError(t *testing.T) {
	manager, _, _ := newTestService(t)
	opts := &SetupOptions{
		NoTUI:  true,
		Output: &bytes.Buffer{},
		Prompt: func(string) (string, error) { return "", errors.New("closed") },
	}
	_, err := DoSetup(context.Background(), manager, opts)
	require.Error(t, err)
}

func TestDoList(t *testing.T) {
	manager, registry, _ := newTestService(t)
	var out bytes.Buffer
	require.NoError(t, DoList(registry, "", &out))
	assert.Contains(t, out.String(), "No entries")

	_, err := DoSetup(context.Background(), manager, &SetupOptions{Token: "good-token", Output: &bytes.Buffer{}})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, DoList(registry, setup.Domain, &out))
	assert.Contains(t, out.String(), "onlycat")
	assert.NotContains(t, out.String(), "good-token")
}

func TestStartServiceStopsOnCancel(t *testing.T) {
	manager, registry, _ := newTestService(t)
	dir := t.TempDir()
	cfg := &config.Config{Host: "127.0.0.1", Port: 0}
	cfg.ApplyDefaults()
	cfg.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- StartService(ctx, cfg, dir+"/config.yaml", manager, registry, dir)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestCaptureLogsRestoresLogger(t *testing.T) {
	logger := log.New()
	var out bytes.Buffer
	logger.SetOutput(&out)

	hook := tui.NewLogHook(3)
	restore := captureLogs(logger, hook)
	logger.Warn("while the form is shown")
	restore()
	logger.Warn("after the form")

	lines := hook.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "while the form is shown", lines[0].Message)
	assert.NotContains(t, out.String(), "while the form is shown")
	assert.Contains(t, out.String(), "after the form")
	for _, hooks := range logger.Hooks {
		assert.Empty(t, hooks)
	}
}
