// Package wdb drives the WDB load program and the psql cache/analyze step
// against a database host, locally or over ssh.
package wdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/catalog"
	"github.com/metno/syncer/internal/registry"
	"github.com/metno/syncer/internal/timeutil"
)

var opdataPrefix = regexp.MustCompile(`^opdata:///`)

// Driver runs commands against one database host.
type Driver struct {
	Host string
	User string
	log  zerolog.Logger
}

// New builds a Driver targeting host as user.
func New(host, user string, log zerolog.Logger) *Driver {
	return &Driver{Host: host, User: user, log: log.With().Str("component", "wdb").Logger()}
}

// useSSH reports whether commands must be wrapped in a remote shell
// invocation rather than executed directly.
func (d *Driver) useSSH() bool {
	return d.Host != "localhost" && d.Host != "127.0.0.1"
}

// cleanURL strips a file:// prefix and rewrites opdata:///<path> to
// /opdata/<path>; any other URL passes through unchanged.
func cleanURL(url string) string {
	switch {
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://")
	case opdataPrefix.MatchString(url):
		return opdataPrefix.ReplaceAllString(url, "/opdata/")
	default:
		return url
	}
}

func (d *Driver) createLoadCommand(di catalog.DataInstance, mc *registry.ModelConfig) []string {
	argv := []string{mc.LoadProgram, "--loadPlaceDefinition", "--dataprovider", mc.DataProvider}
	if d.User != "" {
		argv = append(argv, "--user", d.User)
	}
	if di.Version != 0 {
		argv = append(argv, "--dataversion", strconv.Itoa(di.Version))
	}
	if mc.LoadConfig != "" {
		argv = append(argv, "--configuration", mc.LoadConfig)
	}
	argv = append(argv, cleanURL(di.URL))
	return argv
}

// dispatch runs argv either directly or, when the target host is remote,
// as a single quoted command string over ssh, returning exit code,
// stdout and stderr.
func (d *Driver) dispatch(ctx context.Context, argv []string, stdin string) (exitCode int, stdout, stderr string, err error) {
	var cmd *exec.Cmd
	if d.useSSH() {
		remote := quoteForRemote(argv)
		cmd = exec.CommandContext(ctx, "ssh", fmt.Sprintf("%s@%s", d.User, d.Host), remote)
	} else {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}

	d.log.Debug().Str("cmd", shellquote.Join(argv...)).Msg("executing command")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runErr == nil {
		return 0, stdout, stderr, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), stdout, stderr, nil
	}
	return -1, stdout, stderr, fmt.Errorf("failed to execute command: %w", runErr)
}

// LoadModelFile loads di into WDB. Exit codes 13 and 100 are partial
// loads: logged at error level but not raised. All other non-zero codes
// raise a *LoadFailedError.
func (d *Driver) LoadModelFile(ctx context.Context, di catalog.DataInstance, mc *registry.ModelConfig) error {
	d.log.Info().Str("url", di.URL).Msg("loading file")

	argv := d.createLoadCommand(di, mc)
	exitCode, _, stderr, err := d.dispatch(ctx, argv, "")
	if err != nil {
		return fmt.Errorf("wdb load dispatch failed: %w", err)
	}

	if exitCode == ExitSuccess {
		d.log.Info().Msg("loading completed")
		return nil
	}

	if isPartialLoad(exitCode) {
		d.log.Error().Int("exit_code", exitCode).Msg("failed to load some fields into WDB; likely duplicate field errors")
		return nil
	}

	for _, line := range strings.Split(strings.TrimRight(stderr, "\n"), "\n") {
		if line != "" {
			d.log.Warn().Str("stderr", line).Msg("wdb load error")
		}
	}
	return &LoadFailedError{ExitCode: exitCode, Stderr: stderr}
}

// CacheModelRun runs cacheQuery and ANALYZE against the WDB server for pi.
func (d *Driver) CacheModelRun(ctx context.Context, pi catalog.ProductInstance, mc *registry.ModelConfig) error {
	d.log.Info().Str("data_provider", mc.DataProvider).Msg("updating WDB cache")

	sql := fmt.Sprintf(
		"SELECT wci.begin('%s'); SELECT wci.cacheQuery(array['%s'], NULL, 'exact %s', NULL, NULL, NULL, array[-1]); ANALYZE;",
		d.User, mc.DataProvider, timeutil.FormatISO8601(pi.ReferenceTime))

	argv := []string{"psql", "wdb", "-U", d.User}
	exitCode, _, stderr, err := d.dispatch(ctx, argv, sql)
	if err != nil {
		return fmt.Errorf("wdb cache dispatch failed: %w", err)
	}
	if exitCode != ExitSuccess {
		d.log.Error().Int("exit_code", exitCode).Str("stderr", stderr).Msg("cache update failed")
		return &CacheFailedError{ExitCode: exitCode, Stderr: stderr}
	}
	d.log.Info().Msg("cache updated successfully")
	return nil
}
