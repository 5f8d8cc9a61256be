package smtpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineState_Derived(t *testing.T) {
	tests := []struct {
		name string
		st   engineState
		want State
	}{
		{"zero", engineState{}, StateDisconnected},
		{"idle", engineState{connected: true}, StateIdle},
		{"pipelined but unflushed", engineState{connected: true, unflushed: true}, StateIdle},
		{"awaiting", engineState{connected: true, mustProcess: true}, StateAwaitingResponse},
		{"sending data wins", engineState{connected: true, mustProcess: true, sendingData: true}, StateSendingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.st.state())
		})
	}
}

func TestEngineState_CheckCommand(t *testing.T) {
	tests := []struct {
		name    string
		st      engineState
		wantErr error
	}{
		{"disconnected", engineState{}, ErrNotConnected},
		{"sending data", engineState{connected: true, sendingData: true}, ErrSendingData},
		{"must process", engineState{connected: true, mustProcess: true}, ErrMustProcess},
		{"idle", engineState{connected: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.st.checkCommand("MAIL")
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)

			var sc *StateConflictError
			if assert.True(t, errors.As(err, &sc)) {
				assert.Equal(t, "MAIL", sc.Op)
				assert.Equal(t, tt.st.state(), sc.State)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "AwaitingResponse", StateAwaitingResponse.String())
	assert.Equal(t, "SendingData", StateSendingData.String())
	assert.Equal(t, "Unknown", State(99).String())
}
