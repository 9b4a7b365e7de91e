// Package compiler drives the external capnp compiler: it gates on the
// compiler version once per session, assembles the compile command, and
// routes the outcome to the diagnostic parser or the symbol resolver.
package compiler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/internal/constants"
	"capnp-lsp/src/internal/errors"
	"capnp-lsp/src/server/diagnostics"
	"capnp-lsp/src/server/ir"
	"capnp-lsp/src/server/process"
	"capnp-lsp/src/server/resolver"
)

// DefaultCompiler is used when no compiler path is configured.
const DefaultCompiler = "capnp"

var versionPattern = regexp.MustCompile(`Cap'n Proto version (\d+)\.(\d+)`)

// CompileParams carries everything one compile needs. Indices and
// Diagnostics are handles to the server-owned maps; the manager only
// mutates them for the duration of the call.
type CompileParams struct {
	CompilerPath string
	ImportPaths  []string
	// FileName is the workspace-relative path of the file to compile.
	FileName string
	// WorkingDir is the workspace root; the compiler runs in it.
	WorkingDir  string
	Indices     *resolver.Indices
	Diagnostics diagnostics.Map
}

// Manager runs compiles. The version gate result is cached for the
// process lifetime, success and failure alike.
type Manager struct {
	runner         *process.Runner
	versionChecked bool
	versionErr     error
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{runner: process.NewRunner()}
}

// Compile runs the compiler on one file. On success the symbol indices
// are updated from the IR; on compile failure the diagnostic map is
// populated from stderr. Diagnostics are cleared up front either way.
func (m *Manager) Compile(ctx context.Context, params CompileParams) error {
	common.ServerLogger.Info("Compiling %s", params.FileName)

	params.Diagnostics.Clear()

	argv, err := buildCommand(params)
	if err != nil {
		return err
	}

	if err := m.ensureVersion(ctx, argv[0], params.WorkingDir); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, constants.CompileTimeout)
	defer cancel()
	result, err := m.runner.Run(runCtx, process.RunParams{
		Argv:               argv,
		WorkingDir:         params.WorkingDir,
		ExpectBinaryStdout: true,
	})
	if err != nil {
		return err
	}

	if result.ExitCode != 0 {
		common.ServerLogger.Error("Compile of %s failed: %s", params.FileName, strings.TrimSpace(result.StderrText))
		if !diagnostics.Parse(params.FileName, result.StderrText, params.Diagnostics) {
			common.ServerLogger.Error("No parseable compile errors for %s", params.FileName)
		}
		return nil
	}

	req, err := ir.CodeGeneratorRequestFromMessage(result.Message)
	if err != nil {
		return errors.NewResolveError(params.FileName, "decoding IR: "+err.Error())
	}
	return resolver.Resolve(req, params.Indices, params.ImportPaths, params.WorkingDir)
}

// ensureVersion probes the compiler version once per session and
// requires at least 1.1, the first release whose IR carries the
// identifier tables the resolver reads.
func (m *Manager) ensureVersion(ctx context.Context, compilerPath, workingDir string) error {
	if m.versionChecked {
		return m.versionErr
	}
	m.versionChecked = true
	m.versionErr = m.probeVersion(ctx, compilerPath, workingDir)
	return m.versionErr
}

func (m *Manager) probeVersion(ctx context.Context, compilerPath, workingDir string) error {
	probeCtx, cancel := context.WithTimeout(ctx, constants.VersionProbeTimeout)
	defer cancel()

	result, err := m.runner.Run(probeCtx, process.RunParams{
		Argv:       []string{compilerPath, "--version"},
		WorkingDir: workingDir,
	})
	if err != nil {
		return errors.NewVersionError("", err.Error())
	}
	if result.ExitCode != 0 {
		return errors.NewVersionError("", fmt.Sprintf("probe exited with code %d", result.ExitCode))
	}

	major, minor, ok := parseVersion(result.StdoutText)
	if !ok {
		return errors.NewVersionError("", fmt.Sprintf("unrecognized version output %q", strings.TrimSpace(result.StdoutText)))
	}
	if major > constants.MinCompilerMajor || (major == constants.MinCompilerMajor && minor >= constants.MinCompilerMinor) {
		common.ServerLogger.Info("Using capnp compiler version %d.%d", major, minor)
		return nil
	}
	return errors.NewVersionError(
		fmt.Sprintf("%d.%d", major, minor),
		fmt.Sprintf("version %d.%d or newer is required", constants.MinCompilerMajor, constants.MinCompilerMinor))
}

func parseVersion(output string) (major, minor int, ok bool) {
	match := versionPattern.FindStringSubmatch(output)
	if match == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(match[1])
	minor, _ = strconv.Atoi(match[2])
	return major, minor, true
}

// buildCommand assembles the compiler argv:
//
//	<compilerPath> compile -I<dir>... -o- <fileName>
func buildCommand(params CompileParams) ([]string, error) {
	compilerPath := params.CompilerPath
	if compilerPath == "" {
		compilerPath = DefaultCompiler
		common.ServerLogger.Info("Using default capnp command")
	}
	if !strings.HasSuffix(compilerPath, "capnp") {
		return nil, fmt.Errorf("compiler path must end with 'capnp', got %q", compilerPath)
	}

	argv := []string{compilerPath, "compile"}
	for _, path := range params.ImportPaths {
		argv = append(argv, "-I"+path)
	}
	argv = append(argv, "-o-", params.FileName)

	common.ServerLogger.Debug("Compile command: %s", QuoteCommand(argv))
	return argv, nil
}

// QuoteCommand renders an argv as a shell-style command line, quoting
// tokens that contain blanks. Used for logging only; execution passes
// the argv directly.
func QuoteCommand(argv []string) string {
	var b strings.Builder
	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsAny(arg, " \t") {
			b.WriteByte('"')
			b.WriteString(arg)
			b.WriteByte('"')
		} else {
			b.WriteString(arg)
		}
	}
	return b.String()
}
