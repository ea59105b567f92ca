package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler shows a one-field form and creates an entry keyed by the submitted id.
type echoHandler struct{}

func (echoHandler) Step(_ context.Context, fc *Context, stepID string, input map[string]string) (*Result, error) {
	schema := Schema{{Name: "id", Type: FieldTypeString, Required: true}}
	if input == nil {
		return fc.ShowForm(stepID, schema, nil), nil
	}
	id := input["id"]
	if id == "bad" {
		return fc.ShowForm(stepID, schema, map[string]string{"base": "invalid"}), nil
	}
	if input["fail"] != "" {
		return nil, errors.New("boom")
	}
	if err := fc.SetUniqueID(id); err != nil {
		return nil, err
	}
	if input["claim"] != "" {
		return fc.ShowForm("confirm", schema, nil), nil
	}
	if err := fc.AbortIfUniqueIDConfigured(); err != nil {
		return nil, err
	}
	return fc.CreateEntry("title-"+id, map[string]string{"id": id}), nil
}

func newTestManager(t *testing.T) (*Manager, *entry.Registry) {
	t.Helper()
	reg := entry.NewRegistry(entry.NewFileStore(t.TempDir()))
	require.NoError(t, reg.Load(context.Background()))
	m := NewManager(reg, NewMemoryStore(0))
	m.Register("echo", 3, func() Handler { return echoHandler{} })
	return m, reg
}

func TestManagerInitShowsFirstForm(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, ResultTypeForm, res.Type)
	assert.Equal(t, FirstStep, res.StepID)
	assert.Equal(t, "echo", res.Handler)
	assert.NotEmpty(t, res.FlowID)
	assert.NotNil(t, res.Errors)
	assert.Empty(t, res.Errors)

	progress, err := m.Progress(ctx)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, res.FlowID, progress[0].FlowID)
}

func TestManagerInitUnknownHandler(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Init(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestManagerConfigureCreatesEntry(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)

	res, err := m.Configure(ctx, first.FlowID, map[string]string{"id": "42"})
	require.NoError(t, err)
	require.Equal(t, ResultTypeCreateEntry, res.Type)
	assert.Equal(t, "title-42", res.Title)
	assert.Equal(t, 3, res.Version)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "42", res.Entry.UniqueID)
	assert.Equal(t, "echo", res.Entry.Domain)
	assert.True(t, reg.IsConfigured("echo", "42"))

	_, err = m.Configure(ctx, first.FlowID, map[string]string{"id": "42"})
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestManagerConfigureRerendersForm(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)

	res, err := m.Configure(ctx, first.FlowID, map[string]string{"id": "bad"})
	require.NoError(t, err)
	assert.Equal(t, ResultTypeForm, res.Type)
	assert.Equal(t, map[string]string{"base": "invalid"}, res.Errors)

	_, err = m.Configure(ctx, first.FlowID, map[string]string{"id": "1"})
	require.NoError(t, err)
}

func TestManagerRejectsMissingRequiredInput(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)

	for _, input := range []map[string]string{nil, {}, {"id": "  "}, {"other": "x"}} {
		_, err = m.Configure(ctx, first.FlowID, input)
		require.ErrorIs(t, err, ErrMissingInput)
		assert.Contains(t, err.Error(), "id")
	}
	assert.Empty(t, reg.List(""))

	progress, err := m.Progress(ctx)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, []string{"id"}, progress[0].Required)

	res, err := m.Configure(ctx, first.FlowID, map[string]string{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, ResultTypeCreateEntry, res.Type)
}

func TestManagerAbortsWhenAlreadyConfigured(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	_, err = m.Configure(ctx, first.FlowID, map[string]string{"id": "7"})
	require.NoError(t, err)

	second, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	res, err := m.Configure(ctx, second.FlowID, map[string]string{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, ResultTypeAbort, res.Type)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
	assert.Equal(t, second.FlowID, res.FlowID)
	assert.Len(t, reg.List("echo"), 1)

	progress, err := m.Progress(ctx)
	require.NoError(t, err)
	assert.Empty(t, progress)
}

func TestManagerAbortsWhenAnotherFlowClaimedUniqueID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	res, err := m.Configure(ctx, first.FlowID, map[string]string{"id": "9", "claim": "1"})
	require.NoError(t, err)
	require.Equal(t, "confirm", res.StepID)

	second, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	res, err = m.Configure(ctx, second.FlowID, map[string]string{"id": "9"})
	require.NoError(t, err)
	assert.Equal(t, ResultTypeAbort, res.Type)
	assert.Equal(t, ReasonAlreadyInProgress, res.Reason)
}

func TestManagerHandlerErrorKeepsFlow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	_, err = m.Configure(ctx, first.FlowID, map[string]string{"id": "1", "fail": "1"})
	require.EqualError(t, err, "boom")

	progress, err := m.Progress(ctx)
	require.NoError(t, err)
	assert.Len(t, progress, 1)
}

func TestManagerAbort(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Init(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, m.Abort(ctx, first.FlowID))
	assert.ErrorIs(t, m.Abort(ctx, first.FlowID), ErrUnknownFlow)
}

func TestManagerConcurrentFlowsCreateOneEntry(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	const flows = 8
	ids := make([]string, flows)
	for i := range ids {
		res, err := m.Init(ctx, "echo")
		require.NoError(t, err)
		ids[i] = res.FlowID
	}

	var wg sync.WaitGroup
	results := make([]*Result, flows)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := m.Configure(ctx, id, map[string]string{"id": "same"})
			if err == nil {
				results[i] = res
			}
		}(i, id)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Type == ResultTypeCreateEntry {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, reg.List("echo"), 1)
}

// blockingHandler creates an entry only after the test releases it.
type blockingHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h blockingHandler) Step(_ context.Context, fc *Context, stepID string, input map[string]string) (*Result, error) {
	if input == nil {
		return fc.ShowForm(stepID, Schema{{Name: "id", Required: true}}, nil), nil
	}
	close(h.started)
	<-h.release
	if err := fc.SetUniqueID(input["id"]); err != nil {
		return nil, err
	}
	return fc.CreateEntry(input["id"], nil), nil
}

func TestManagerCancelledConfigureCreatesNoEntry(t *testing.T) {
	m, reg := newTestManager(t)
	h := blockingHandler{started: make(chan struct{}), release: make(chan struct{})}
	m.Register("slow", 1, func() Handler { return h })

	first, err := m.Init(context.Background(), "slow")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, errConfigure := m.Configure(ctx, first.FlowID, map[string]string{"id": "5"})
		done <- errConfigure
	}()

	<-h.started
	cancel()
	close(h.release)
	require.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, reg.IsConfigured("slow", "5"))

	require.NoError(t, m.Abort(context.Background(), first.FlowID))
}
