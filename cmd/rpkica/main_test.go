package main

import (
	"testing"

	"github.com/AshkanYarmoradi/go-rpkica/cli/commands"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	assert.Equal(t, "dev", version)
	assert.Equal(t, "none", commit)
	assert.Equal(t, "unknown", buildDate)
}

func TestDocumentedCommandsExist(t *testing.T) {
	root := commands.NewRootCommand()
	for _, name := range []string{"init", "ta", "ca", "child", "history", "command", "queue", "diagnose", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
