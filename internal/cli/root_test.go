package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	want := []string{
		"serve", "status", "arm", "disarm", "level",
		"engines", "maps", "changeset", "session", "flash", "journal",
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, w := range want {
		assert.True(t, names[w], "missing subcommand %s", w)
	}
}

func TestRootCommand_RejectsInvalidFormat(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"status", "--format", "xml"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootCommand_ServerFromEnv(t *testing.T) {
	t.Setenv("TUNEGATE_SERVER", "http://127.0.0.1:1") // nothing listens here
	root := NewRootCommand()
	root.SetArgs([]string{"status"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	// Nothing listens at the env-supplied address, so the command must
	// fail as a transport error rather than an API refusal.
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
