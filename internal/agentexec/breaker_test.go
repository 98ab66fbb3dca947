package agentexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/pkg/cerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := NewBreakerExecutor(NewFake(), testLogger())
	res, err := b.Run(context.Background(), Request{TaskID: "t1", Phase: "planning"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var script []FakeCall
	for i := 0; i < 5; i++ {
		script = append(script, FakeCall{Err: cerr.NewError(cerr.Internal, "agent execution failed", nil)})
	}
	b := NewBreakerExecutor(NewFake(script...), testLogger())

	for i := 0; i < 5; i++ {
		_, err := b.Run(context.Background(), Request{TaskID: "t1"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Run(context.Background(), Request{TaskID: "t1"})
	assert.True(t, cerr.IsCode(err, cerr.Unavailable), "got %v", err)
}

func TestBreakerIgnoresBillingErrors(t *testing.T) {
	var script []FakeCall
	for i := 0; i < 10; i++ {
		script = append(script, FakeCall{Err: cerr.NewError(cerr.ResourceExhausted, "quota exceeded", nil)})
	}
	b := NewBreakerExecutor(NewFake(script...), testLogger())

	// Billing failures are not backend health signals; they never trip the
	// breaker.
	for i := 0; i < 10; i++ {
		_, err := b.Run(context.Background(), Request{TaskID: "t1"})
		require.True(t, cerr.IsCode(err, cerr.ResourceExhausted))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	var script []FakeCall
	for i := 0; i < 10; i++ {
		script = append(script, FakeCall{Err: context.Canceled})
	}
	b := NewBreakerExecutor(NewFake(script...), testLogger())

	for i := 0; i < 10; i++ {
		_, err := b.Run(context.Background(), Request{TaskID: "t1"})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestClassifyAgentError(t *testing.T) {
	tests := []struct {
		msg  string
		code cerr.Code
	}{
		{"Billing error: payment required", cerr.ResourceExhausted},
		{"monthly quota exceeded", cerr.ResourceExhausted},
		{"Credit balance is too low", cerr.ResourceExhausted},
		{"rate limit hit, retry later", cerr.ResourceExhausted},
		{"insufficient funds on account", cerr.ResourceExhausted},
		{"process exited with code 1", cerr.Internal},
		{"connection refused", cerr.Internal},
	}
	for _, tt := range tests {
		err := classifyAgentError(errors.New(tt.msg))
		assert.True(t, cerr.IsCode(err, tt.code), "%q should map to %s, got %v", tt.msg, tt.code, err)
	}
}

func TestFakeScriptExhaustionReturnsDefault(t *testing.T) {
	f := NewFake(FakeCall{Result: &Result{Output: "scripted"}})

	res, err := f.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "scripted", res.Output)

	res, err = f.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Len(t, f.Calls(), 2)
}
