package pipelinectl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsIdleAndRunnable(t *testing.T) {
	c := New()
	st := c.Status()

	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Paused)
	assert.False(t, st.Stopped)
	assert.True(t, c.CheckContinue(context.Background()))
}

func TestPause_BlocksCheckContinueUntilResume(t *testing.T) {
	c := New()
	c.SetPhase(PhaseLLMAnalysis)
	require.True(t, c.Pause())

	unblocked := make(chan bool, 1)
	go func() {
		unblocked <- c.CheckContinue(context.Background())
	}()

	select {
	case <-unblocked:
		t.Fatal("CheckContinue returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()
	select {
	case ok := <-unblocked:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CheckContinue did not unblock after Resume")
	}
}

func TestStop_UnblocksPausedWaitersWithFalse(t *testing.T) {
	c := New()
	c.SetPhase(PhaseLLMAnalysis)
	require.True(t, c.Pause())

	unblocked := make(chan bool, 1)
	go func() {
		unblocked <- c.CheckContinue(context.Background())
	}()

	require.True(t, c.Stop())
	select {
	case ok := <-unblocked:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CheckContinue did not unblock after Stop")
	}
	assert.Equal(t, PhaseCancelled, c.Status().Phase)
}

func TestStop_ReturnsFalseImmediately(t *testing.T) {
	c := New()
	c.SetPhase(PhaseASTGeneration)
	require.True(t, c.Stop())

	assert.False(t, c.CheckContinue(context.Background()))
}

func TestPauseAndStop_RejectedInTerminalPhases(t *testing.T) {
	for _, phase := range []Phase{PhaseIdle, PhaseCompleted, PhaseFailed, PhaseCancelled} {
		c := New()
		c.SetPhase(phase)
		assert.False(t, c.Pause(), "pause should be rejected in %s", phase)
		assert.False(t, c.Stop(), "stop should be rejected in %s", phase)
	}
}

func TestReset_ClearsStoppedState(t *testing.T) {
	c := New()
	c.SetPhase(PhaseDDLProcessing)
	require.True(t, c.Stop())

	c.Reset()
	st := c.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Stopped)
	assert.True(t, c.CheckContinue(context.Background()))
}

func TestCheckContinue_HonoursContextCancellation(t *testing.T) {
	c := New()
	c.SetPhase(PhaseLLMAnalysis)
	require.True(t, c.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.CheckContinue(ctx))
}

func TestUpdateProgress_SurfacedInStatus(t *testing.T) {
	c := New()
	c.SetPhase(PhaseVectorizing)
	c.UpdateProgress(72, map[string]any{"tables_vectorized": 9})

	st := c.Status()
	assert.Equal(t, 72, st.Progress)
	assert.Equal(t, 9, st.Details["tables_vectorized"])
}
