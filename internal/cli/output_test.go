package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(&ExitError{Code: ExitCommandError, Message: "bad flag"}))
	wrapped := fmt.Errorf("outer: %w", &ExitError{Code: ExitFailure, Message: "inner"})
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}

func TestExitError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := WrapExitError(ExitCommandError, "context", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "context")
	assert.Contains(t, err.Error(), "root cause")
}

func TestOutputFormatter_JSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Success(map[string]int{"n": 3}, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	buf.Reset()
	require.NoError(t, f.Failure("boom"))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "boom", resp.Error)
}

func TestOutputFormatter_TextUsesRender(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	require.NoError(t, f.Success(nil, func(w io.Writer) {
		fmt.Fprintln(w, "rendered")
	}))
	assert.Equal(t, "rendered\n", buf.String())
}

func TestOutputFormatter_TextFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	require.NoError(t, f.Success(map[string]string{"k": "v"}, nil))
	assert.Contains(t, buf.String(), `"k": "v"`)
}
