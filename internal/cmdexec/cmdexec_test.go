package cmdexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), "echo hello", t.TempDir(), time.Second, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_NonZeroExit(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), "false", t.TempDir(), time.Second, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRun_RefusesShellMetacharacters(t *testing.T) {
	e := New(nil)
	_, err := e.Run(context.Background(), "echo hi; rm -rf /", t.TempDir(), time.Second, nil)
	require.Error(t, err)
}

func TestRun_Timeout(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), "sleep 5", t.TempDir(), 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
}

func TestRun_AllowlistRejectsUnknownBinary(t *testing.T) {
	e := New([]string{"echo"})
	_, err := e.Run(context.Background(), "rm -rf nonexistent", t.TempDir(), time.Second, nil)
	require.Error(t, err)
}

func TestRun_AllowlistPermitsKnownBinary(t *testing.T) {
	e := New([]string{"echo"})
	res, err := e.Run(context.Background(), "echo ok", t.TempDir(), time.Second, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTokenize_Quoting(t *testing.T) {
	argv, err := Tokenize(`go test ./... -run 'TestFoo Bar'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "test", "./...", "-run", "TestFoo Bar"}, argv)
}
