package main

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DEV_MODE", "true")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestArchiveFolderWritesZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.zip")

	out, err := runCLI(t, "archive", "folder", "root", "--name", "demo", "-o", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "demo.zip: 4 succeeded, 0 failed")

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "Documents/Reports/q1.csv")
	assert.Contains(t, names, "readme.txt")
}

func TestArchiveFilesNeedsArgs(t *testing.T) {
	_, err := runCLI(t, "archive", "files")
	assert.Error(t, err)
}

func TestWatchStartAndStatus(t *testing.T) {
	out, err := runCLI(t, "watch", "start", "--webhook", "https://hooks.example.com/drive")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"state": "active"`)
}

func TestWatchStartWithoutWebhook(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "")
	_, err := runCLI(t, "watch", "start")
	assert.ErrorContains(t, err, "no webhook URL")
}
