package main

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "authograder/types"
)

// pipeKernel builds a kernel around a bare pipe with no container
// behind it, enough to exercise the teardown paths.
func pipeKernel() *Kernel {
	reader, writer := io.Pipe()
	return &Kernel{
		Start:       time.Now(),
		Events:      make(chan *EventMessage, 64),
		input:       writer,
		inputReader: reader,
		verdicts:    make(chan string, 1),
	}
}

func TestExecuteCellFailsFastOnDeadKernel(t *testing.T) {
	k := pipeKernel()
	k.markDead(fmt.Errorf("container killed"))

	done := make(chan *CellResult, 1)
	go func() {
		done <- k.ExecuteCell(context.Background(), 2, "print(1)\n")
	}()
	select {
	case result := <-done:
		assert.Equal(t, OutcomeError, result.Outcome)
		assert.Contains(t, result.Output, "cell 2")
	case <-time.After(time.Second):
		t.Fatal("ExecuteCell blocked on a dead kernel")
	}
}

func TestMarkDeadUnblocksPendingInterpreterWrite(t *testing.T) {
	k := pipeKernel()

	// nothing is reading the pipe, so this write can only finish if
	// the teardown closes the reader side out from under it
	errc := make(chan error, 1)
	go func() {
		_, err := io.WriteString(k.input, "7\nx = 1\n\n")
		errc <- err
	}()
	k.markDead(fmt.Errorf("container killed"))

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("write to the interpreter pipe never unblocked")
	}
}

func TestMarkDeadIsIdempotent(t *testing.T) {
	k := pipeKernel()
	k.markDead(fmt.Errorf("first"))
	k.markDead(fmt.Errorf("second"))

	result := k.ExecuteCell(context.Background(), 0, "print(1)\n")
	assert.Equal(t, OutcomeError, result.Outcome)
}
