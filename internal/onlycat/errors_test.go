package onlycat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"auth", newError(KindAuth, "connect", "rejected", nil), KindAuth},
		{"wrapped auth", fmt.Errorf("validate: %w", newError(KindAuth, "connect", "", nil)), KindAuth},
		{"eof", io.EOF, KindCommunication},
		{"close frame", &websocket.CloseError{Code: websocket.CloseGoingAway}, KindCommunication},
		{"deadline", context.DeadlineExceeded, KindCommunication},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := newError(KindCommunication, "connect", "dial gateway", io.EOF)
	assert.Equal(t, "onlycat: connect: dial gateway: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, IsCommunication(err))
	assert.False(t, IsAuth(err))
	assert.Equal(t, "communication", KindCommunication.String())
}
