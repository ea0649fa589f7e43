package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"migrate", "worker", "serve", "dispatch", "searches", "runs", "export"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "leadgen", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("with-worker"))
}

func TestWorkerCommand_Flags(t *testing.T) {
	flag := workerCmd.Flags().Lookup("concurrency")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestSearchesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range searchesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["create"])
	assert.True(t, names["show"])

	for _, flagName := range []string{"provider", "kind", "query", "limit", "thread", "dispatch"} {
		assert.NotNil(t, searchesCreateCmd.Flags().Lookup(flagName), "searches create should have --%s flag", flagName)
	}
}

func TestRunsListCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"search", "provider", "status", "limit"} {
		assert.NotNil(t, runsListCmd.Flags().Lookup(flagName), "runs list should have --%s flag", flagName)
	}
	assert.Equal(t, "50", runsListCmd.Flags().Lookup("limit").DefValue)
}

func TestArgs(t *testing.T) {
	assert.Error(t, dispatchCmd.Args(dispatchCmd, nil))
	assert.NoError(t, dispatchCmd.Args(dispatchCmd, []string{"ls-1"}))
	assert.Error(t, exportCmd.Args(exportCmd, []string{"a", "b"}))
}

func TestRootCommand_LogLevelFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)
}
