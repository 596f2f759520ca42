package hardware

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rigerrors "github.com/boyuan99/three-maze-sub000/errors"
)

// Tests use /bin/sh in place of a Python interpreter; the handshake
// protocol only cares about stdout.

func TestBackendHandshake(t *testing.T) {
	cfg := `{"pythonBin":"/bin/sh","scriptPath":"-c","args":["echo started; sleep 60"],"startupTimeoutMs":5000}`
	res, err := newPythonBackend(context.Background(), []byte(cfg), Deps{})
	require.NoError(t, err)

	b := res.(*PythonBackend)
	assert.True(t, b.Running())
	assert.NotZero(t, b.PID())

	require.NoError(t, b.Cleanup(context.Background()))
	assert.False(t, b.Running())
}

func TestBackendHandshakeTimeout(t *testing.T) {
	cfg := `{"pythonBin":"/bin/sh","scriptPath":"-c","args":["sleep 60"],"startupTimeoutMs":100}`
	_, err := newPythonBackend(context.Background(), []byte(cfg), Deps{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrBackendHandshake))
}

func TestBackendExitBeforeHandshake(t *testing.T) {
	cfg := `{"pythonBin":"/bin/sh","scriptPath":"-c","args":["exit 3"],"startupTimeoutMs":5000}`
	_, err := newPythonBackend(context.Background(), []byte(cfg), Deps{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrBackendHandshake))
}

func TestBackendCapturesOutput(t *testing.T) {
	cfg := `{"pythonBin":"/bin/sh","scriptPath":"-c","args":["echo started; echo hello-from-backend; sleep 60"]}`
	res, err := newPythonBackend(context.Background(), []byte(cfg), Deps{})
	require.NoError(t, err)
	b := res.(*PythonBackend)
	defer b.Cleanup(context.Background())

	// Output scanning is asynchronous
	deadline := time.After(2 * time.Second)
	var lines []string
	for {
		lines = append(lines, b.Output(100)...)
		if containsSubstring(lines, "hello-from-backend") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("backend output not captured, got %v", lines)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBackendMissingScriptPath(t *testing.T) {
	_, err := newPythonBackend(context.Background(), []byte(`{}`), Deps{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrMissingConfig))
}

func containsSubstring(lines []string, want string) bool {
	for _, l := range lines {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}
