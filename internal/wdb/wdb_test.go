package wdb

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/registry"
)

func TestCleanURL(t *testing.T) {
	cases := map[string]string{
		"file:///data/foo.nc":     "/data/foo.nc",
		"opdata:///ec/foo.nc":     "/opdata/ec/foo.nc",
		"http://example.com/foo": "http://example.com/foo",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanURL(in))
	}
}

func TestQuoteForRemote(t *testing.T) {
	out := quoteForRemote([]string{"wdbLoadModelFile", "--dataprovider", "nordic ec", "/opdata/f.nc"})
	assert.Equal(t, `wdbLoadModelFile --dataprovider 'nordic ec' /opdata/f.nc`, out)
}

func TestQuoteForRemote_EscapesEmbeddedSingleQuote(t *testing.T) {
	out := quoteForRemote([]string{"a b's c"})
	assert.Equal(t, `'a b\'s c'`, out)
}

// scriptExitingWith writes an executable shell script that exits with the
// given code, and returns its path. Used to exercise the real
// os/exec.CommandContext dispatch path end to end rather than mocking it.
func scriptExitingWith(t *testing.T, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-load-program")
	script := "#!/bin/sh\nexit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLoadModelFile_Success(t *testing.T) {
	program := scriptExitingWith(t, ExitSuccess)
	d := New("localhost", "wdbuser", zerolog.Nop())
	mc := &registry.ModelConfig{LoadProgram: program, DataProvider: "nordic_ec"}
	di := catalog.DataInstance{URL: "file:///tmp/f.nc"}

	err := d.LoadModelFile(context.Background(), di, mc)
	require.NoError(t, err)
}

func TestLoadModelFile_PartialLoadDoesNotRaise(t *testing.T) {
	program := scriptExitingWith(t, ExitFields)
	d := New("localhost", "wdbuser", zerolog.Nop())
	mc := &registry.ModelConfig{LoadProgram: program, DataProvider: "nordic_ec"}
	di := catalog.DataInstance{URL: "file:///tmp/f.nc"}

	err := d.LoadModelFile(context.Background(), di, mc)
	require.NoError(t, err)
}

func TestLoadModelFile_UnknownErrorRaises(t *testing.T) {
	program := scriptExitingWith(t, ExitDatabaseConnect)
	d := New("localhost", "wdbuser", zerolog.Nop())
	mc := &registry.ModelConfig{LoadProgram: program, DataProvider: "nordic_ec"}
	di := catalog.DataInstance{URL: "file:///tmp/f.nc"}

	err := d.LoadModelFile(context.Background(), di, mc)
	require.Error(t, err)
	var loadErr *LoadFailedError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ExitDatabaseConnect, loadErr.ExitCode)
}

func TestUseSSH(t *testing.T) {
	assert.False(t, (&Driver{Host: "localhost"}).useSSH())
	assert.False(t, (&Driver{Host: "127.0.0.1"}).useSSH())
	assert.True(t, (&Driver{Host: "wdb.example.com"}).useSSH())
}

func TestCreateLoadCommand(t *testing.T) {
	d := New("localhost", "wdbuser", zerolog.Nop())
	mc := &registry.ModelConfig{LoadProgram: "wdbLoadModelFile", DataProvider: "nordic_ec", LoadConfig: "nordic.conf"}
	di := catalog.DataInstance{URL: "opdata:///ec/f.nc", Version: 2}

	argv := d.createLoadCommand(di, mc)
	assert.Equal(t, []string{
		"wdbLoadModelFile", "--loadPlaceDefinition",
		"--dataprovider", "nordic_ec",
		"--user", "wdbuser",
		"--dataversion", "2",
		"--configuration", "nordic.conf",
		"/opdata/ec/f.nc",
	}, argv)
}
