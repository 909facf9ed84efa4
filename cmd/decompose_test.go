package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintGoals(t *testing.T) {
	var out bytes.Buffer
	printGoals(&out, "Sign up and add a mood of 7")

	assert.Equal(t,
		"1. [AUTHENTICATE] Authenticate user (sign up or sign in) (priority 10)\n"+
			"2. [ADD_DATA_ENTRY] Add mood entry (priority 8) after authenticate data=mood\n",
		out.String())
}

func TestPrintGoalsNothingRecognized(t *testing.T) {
	var out bytes.Buffer
	printGoals(&out, "do the thing")
	assert.Equal(t, "No goals recognized in \"do the thing\".\n", out.String())
}

func TestDecomposeCommandJoinsArgs(t *testing.T) {
	isolate(t)
	out, err := execute(t, NewRootCommand(), "decompose", "log", "in")
	require.NoError(t, err)
	assert.Contains(t, out, "[AUTHENTICATE]")
}
