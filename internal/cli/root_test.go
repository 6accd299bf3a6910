package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteReportsErrors(t *testing.T) {
	var errOut bytes.Buffer
	rootCmd.SetErr(&errOut)
	rootCmd.SetOut(&errOut)
	defer func() {
		rootCmd.SetErr(nil)
		rootCmd.SetOut(nil)
	}()

	// Missing required flag: the failure must be visible, not a bare
	// non-zero exit.
	rootCmd.SetArgs([]string{"trace"})
	err := Execute()
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "Error:")
	assert.Contains(t, errOut.String(), "pid")

	// Invalid target: the reason reaches stderr too.
	errOut.Reset()
	rootCmd.SetArgs([]string{"trace", "--pid", "0"})
	err = Execute()
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "Error:")
	assert.Contains(t, errOut.String(), "target_pid must be set")
}
