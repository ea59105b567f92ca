package logging

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatterIncludesCorrelationAndOrderedFields(t *testing.T) {
	entry := log.NewEntry(log.StandardLogger())
	entry.Time = time.Date(2026, 10, 19, 20, 14, 4, 0, time.UTC)
	entry.Level = log.WarnLevel
	entry.Message = "Invalid OnlyCat token\n"
	entry.Data = log.Fields{
		"flow_id": "3f2a9c1e-7b6d-4c1a-9e2f-000000000000",
		"kind":    "auth",
		"handler": "onlycat",
		"ignored": "x",
	}

	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-10-19 20:14:04] [3f2a9c1e] [warn ] Invalid OnlyCat token handler=onlycat kind=auth\n", string(out))
}

func TestLogFormatterDefaultsCorrelation(t *testing.T) {
	entry := log.NewEntry(log.StandardLogger())
	entry.Time = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry.Level = log.InfoLevel
	entry.Message = "ready"

	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-01-02 03:04:05] [--------] [info ] ready\n", string(out))
}

func TestEntryCarriesContextIDs(t *testing.T) {
	ctx := WithFlowID(context.Background(), "flow-1")
	ctx = WithRequestID(ctx, "req-1")

	entry := Entry(ctx)
	assert.Equal(t, "flow-1", entry.Data["flow_id"])
	assert.Equal(t, "req-1", entry.Data["request_id"])
	assert.Empty(t, Entry(context.Background()).Data)
}
