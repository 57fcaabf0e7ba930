package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/oskit/kernel"
)

// useTestConfig installs a small Go-backed configuration and resets the
// global flags.
func useTestConfig(t *testing.T) {
	t.Helper()
	c := kernel.DefaultConfig()
	c.Heap.Backing = "go"
	c.Heap.ArenaSize = 4 << 20
	c.Tick.Rate = 1000
	cfg = c

	jsonOut = false
	quiet = false
	alarmPolicy = ""
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return string(<-done), fnErr
}
