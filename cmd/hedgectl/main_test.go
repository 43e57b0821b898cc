package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeContract(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		want   int
	}{
		{"success", 200, "", exitOK},
		{"config error", 400, "CONFIG_ERROR", exitConfig},
		{"unknown symbol", 400, "UNKNOWN_SYMBOL", exitConfig},
		{"missing credentials", 400, "MISSING_CREDENTIALS", exitConfig},
		{"already running", 409, "ALREADY_RUNNING", exitAlreadyRunning},
		{"runtime failure", 500, "INTERNAL_ERROR", exitRuntime},
		{"failure without code", 502, "", exitRuntime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitFor(tc.status, tc.code))
		})
	}
}

func TestErrorCodeExtraction(t *testing.T) {
	assert.Equal(t, "ALREADY_RUNNING", errorCode(map[string]any{
		"error": "vault vault-a already running (pid 42)",
		"code":  "ALREADY_RUNNING",
	}))
	assert.Equal(t, "", errorCode(map[string]any{"healthy": true}))
	assert.Equal(t, "", errorCode([]any{"not", "an", "object"}))
	assert.Equal(t, "", errorCode(nil))
}
