package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mirror", cmd.Use)
	assert.Contains(t, cmd.Long, "document tree")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "resync", "check", "clean", "clean-tombstones", "backfill"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("instance-id"))
}

func TestCheckCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	checkCmd, _, err := cmd.Find([]string{"check"})
	require.NoError(t, err)

	for _, name := range []string{"bucket", "prefix", "no-firestore", "no-gcs", "log-file", "repair", "concurrency"} {
		assert.NotNil(t, checkCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "30s", checkCmd.Flags().Lookup("progress").DefValue)
}

func TestCleanCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	cleanCmd, _, err := cmd.Find([]string{"clean"})
	require.NoError(t, err)
	yes := cleanCmd.Flags().Lookup("yes")
	require.NotNil(t, yes)
	assert.Equal(t, "y", yes.Shorthand)

	tombCmd, _, err := cmd.Find([]string{"clean-tombstones"})
	require.NoError(t, err)
	assert.Equal(t, "8", tombCmd.Flags().Lookup("partitions").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := newRootCommand(&RootOptions{Getenv: func(string) string { return "" }})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "resync", "a.txt"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}
