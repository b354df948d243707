package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/clotho2/wolfe/wolfe"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := wolfe.Version
	originalCommitSHA := wolfe.CommitSHA
	originalBuildTime := wolfe.BuildTime

	t.Cleanup(
		func() {
			wolfe.Version = originalVersion
			wolfe.CommitSHA = originalCommitSHA
			wolfe.BuildTime = originalBuildTime
		},
	)

	wolfe.Version = "1.0.0"
	wolfe.CommitSHA = "abc123"
	wolfe.BuildTime = "2025-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()
	out, _ := io.ReadAll(r)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		"1.0.0",
		"abc123",
		"2025-10-01T12:00:00Z",
	)
	assert.Equal(t, expected, string(out))
}
