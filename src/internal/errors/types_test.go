package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	procErr := NewProcessError("start", "capnp compile", io.ErrUnexpectedEOF)
	verErr := NewVersionError("0.10", "version 1.1 or newer is required")
	resErr := NewResolveError("a.capnp", "file not found")

	tests := []struct {
		name      string
		err       error
		isProcess bool
		isVersion bool
		isResolve bool
	}{
		{"process error", procErr, true, false, false},
		{"version error", verErr, false, true, false},
		{"resolve error", resErr, false, false, true},
		{"wrapped process error", fmt.Errorf("compile: %w", procErr), true, false, false},
		{"plain error", errors.New("boom"), false, false, false},
		{"nil", nil, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isProcess, IsProcessError(tt.err))
			assert.Equal(t, tt.isVersion, IsVersionError(tt.err))
			assert.Equal(t, tt.isResolve, IsResolveError(tt.err))
		})
	}
}

func TestProcessErrorUnwrap(t *testing.T) {
	err := NewProcessError("drain", "capnp compile", io.ErrClosedPipe)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Contains(t, err.Error(), "drain")
	assert.Contains(t, err.Error(), "capnp compile")
}

func TestVersionErrorMessage(t *testing.T) {
	withFound := NewVersionError("0.9", "too old")
	assert.Contains(t, withFound.Error(), "0.9")
	assert.Contains(t, withFound.Error(), "too old")

	probeFailed := NewVersionError("", "probe exited with code 1")
	assert.Contains(t, probeFailed.Error(), "version check failed")
}
