// Package commands_test provides tests for CLI command creation.
package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewServeCommand(t *testing.T) {
	cmd := NewServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.NotEmpty(t, cmd.Short, "Short should not be empty")
	assert.NotEmpty(t, cmd.Example, "Example should not be empty")

	// addr and resumable are global flags on root, not local
	for _, flag := range []string{"provider", "no-watch"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewCompareCommand(t *testing.T) {
	cmd := NewCompareCommand()

	assert.Equal(t, "compare [prompt]", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	flags := []string{"model", "chat", "user", "system", "provider", "stream"}
	for _, flag := range flags {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Equal(t, "m", cmd.Flags().Lookup("model").Shorthand)
	assert.Equal(t, LocalUser, cmd.Flags().Lookup("user").DefValue)
}

func TestNewRunsCommand(t *testing.T) {
	cmd := NewRunsCommand()

	assert.Equal(t, "runs", cmd.Use)

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"list", "show"}, names)

	list, _, err := cmd.Find([]string{"list"})
	assert.NoError(t, err)
	for _, flag := range []string{"chat", "user", "cursor", "limit"} {
		assert.NotNil(t, list.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewCancelCommand(t *testing.T) {
	cmd := NewCancelCommand()

	assert.Equal(t, "cancel <run-id>", cmd.Use)
	for _, flag := range []string{"model", "user", "server"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Error(t, cmd.Args(cmd, nil), "run id is required")
}

func TestNewMigrateCommand(t *testing.T) {
	cmd := NewMigrateCommand()

	assert.Equal(t, "migrate", cmd.Use)
	status, _, err := cmd.Find([]string{"status"})
	assert.NoError(t, err)
	assert.Equal(t, "status", status.Name())
}

func TestNewModelsAndConfigCommands(t *testing.T) {
	assert.Equal(t, "models", NewModelsCommand().Use)
	assert.NotNil(t, NewModelsCommand().Flags().Lookup("provider"))
	assert.Equal(t, "config", NewConfigCommand().Use)
}
