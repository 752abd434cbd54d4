package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqcontracts "mailpilot/contracts/mq"
)

func TestResolveQueue(t *testing.T) {
	q, err := resolveQueue("sync")
	require.NoError(t, err)
	assert.Equal(t, mqcontracts.QueueSync, q)

	q, err = resolveQueue(mqcontracts.QueueAutoHandle)
	require.NoError(t, err)
	assert.Equal(t, mqcontracts.QueueAutoHandle, q)

	_, err = resolveQueue("mail.unknown.q")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo…", truncate("héllo world", 5))
}
