package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTables(t *testing.T) {
	payload := []byte(`{
		"controller_uuid": "5ca1ab1e-0000-4000-8000-000000000000",
		"version_token": 7,
		"ttl": 60,
		"results": [{
			"names": ["group_id", "call_count", "call_abort"],
			"types": ["string", "int", "int"],
			"rows": [["g1", 1, 0]]
		}],
		"error": ""
	}`)

	var stdout, stderr bytes.Buffer
	code := render(payload, &stdout, &stderr)

	assert.Equal(t, exitOK, code)
	assert.Empty(t, stderr.String())
	out := stdout.String()
	assert.Contains(t, out, "group_id")
	assert.Contains(t, out, "g1")
	assert.Contains(t, out, "controller: 5ca1ab1e")
}

func TestRenderCommandError(t *testing.T) {
	payload := []byte(`{
		"controller_uuid": "x",
		"results": [],
		"error": "[GROUP] group (ghost) does not exist"
	}`)

	var stdout, stderr bytes.Buffer
	code := render(payload, &stdout, &stderr)

	assert.Equal(t, exitCommand, code)
	assert.True(t, strings.Contains(stderr.String(), "does not exist"))
}

func TestRunRejectsBareCommandName(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"ping"}, &stdout, &stderr)
	assert.Equal(t, exitTransport, code)
}
