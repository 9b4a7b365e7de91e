package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	lsp "go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"capnp-lsp/src/config"
	"capnp-lsp/src/internal/common"
	interrors "capnp-lsp/src/internal/errors"
	"capnp-lsp/src/internal/types"
	"capnp-lsp/src/server/compiler"
	"capnp-lsp/src/server/ir"
	"capnp-lsp/src/utils"
)

// initializeParams covers the subset of the LSP initialize request this
// server reads, including the nonstandard capnp initialization options.
type initializeParams struct {
	RootURI          string `json:"rootUri"`
	WorkspaceFolders []struct {
		URI  string `json:"uri"`
		Name string `json:"name"`
	} `json:"workspaceFolders"`
	InitializationOptions struct {
		Capnp struct {
			CompilerPath string   `json:"compilerPath"`
			ImportPaths  []string `json:"importPaths"`
		} `json:"capnp"`
	} `json:"initializationOptions"`
}

type initializeResult struct {
	Capabilities serverCapabilities `json:"capabilities"`
}

// serverCapabilities is hand-rolled: the advertised
// workspace/didChangeWatchedFiles key is not part of the standard
// capability object go.lsp.dev defines.
type serverCapabilities struct {
	TextDocumentSync      textDocumentSyncOptions `json:"textDocumentSync"`
	DefinitionProvider    bool                    `json:"definitionProvider"`
	CompletionProvider    bool                    `json:"completionProvider"`
	DidChangeWatchedFiles bool                    `json:"workspace/didChangeWatchedFiles"`
}

type textDocumentSyncOptions struct {
	OpenClose bool `json:"openClose"`
	Change    int  `json:"change"`
	Save      bool `json:"save"`
}

// handleInitialize captures the workspace path and the capnp options,
// merges them with the configured defaults, and returns the capability
// object. Malformed params are logged and tolerated.
func (s *Server) handleInitialize(params json.RawMessage) interface{} {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			common.ServerLogger.Error("Malformed initialize params: %v", err)
		}
	}

	if len(p.WorkspaceFolders) > 0 {
		s.workspacePath = strings.TrimSuffix(utils.URIToFilePath(p.WorkspaceFolders[0].URI), "/")
	} else if p.RootURI != "" {
		s.workspacePath = strings.TrimSuffix(utils.URIToFilePath(p.RootURI), "/")
	}
	common.ServerLogger.Info("Workspace path set to %s", s.workspacePath)

	cfg := s.cfg
	if s.workspacePath != "" {
		cfg = cfg.Merge(config.LoadWorkspaceConfig(s.workspacePath))
	}
	common.ConfigureLogLevel(cfg.LogLevel)

	s.compilerPath = cfg.CompilerPath
	s.importPaths = cfg.ImportPaths
	if opts := p.InitializationOptions.Capnp; opts.CompilerPath != "" {
		s.compilerPath = opts.CompilerPath
		common.ServerLogger.Info("Compiler path set to %s", s.compilerPath)
	}
	if opts := p.InitializationOptions.Capnp; len(opts.ImportPaths) > 0 {
		s.importPaths = opts.ImportPaths
		common.ServerLogger.Info("Import paths configured")
	}

	return initializeResult{
		Capabilities: serverCapabilities{
			TextDocumentSync: textDocumentSyncOptions{
				OpenClose: true,
				Change:    1,
				Save:      true,
			},
			DefinitionProvider:    true,
			CompletionProvider:    true,
			DidChangeWatchedFiles: true,
		},
	}
}

// handleDefinition answers a go-to-definition query from the indices.
// A miss of any kind replies null, never an error.
func (s *Server) handleDefinition(params json.RawMessage) interface{} {
	if s.state != stateInitialized {
		return nil
	}
	var p lsp.DefinitionParams
	if err := json.Unmarshal(params, &p); err != nil {
		common.ServerLogger.Error("Malformed definition params: %v", err)
		return nil
	}

	rel, ok := s.workspaceRelative(string(p.TextDocument.URI))
	if !ok {
		common.ServerLogger.Warn("Definition URI is not in workspace path: %s", p.TextDocument.URI)
		return nil
	}

	pos := types.Position{Line: p.Position.Line + 1, Character: p.Position.Character + 1}
	common.ServerLogger.Debug("Definition request for %s at %d:%d", rel, pos.Line, pos.Character)

	for r, nodeID := range s.indices.FileSourceInfo[rel] {
		if !r.Contains(pos) {
			continue
		}
		loc, ok := s.indices.NodeLocation[nodeID]
		if !ok {
			continue
		}
		return lsp.Location{
			URI: s.fileURI(loc.Path),
			Range: lsp.Range{
				Start: lsp.Position{Line: loc.Range.Start.Line - 1, Character: loc.Range.Start.Character - 1},
				End:   lsp.Position{Line: loc.Range.End.Line - 1, Character: loc.Range.End.Character - 1},
			},
		}
	}
	return nil
}

// handleCompletion returns the declared node names known to the
// indices, one item per unqualified name.
func (s *Server) handleCompletion(params json.RawMessage) interface{} {
	if s.state != stateInitialized {
		return nil
	}
	var p lsp.CompletionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			common.ServerLogger.Error("Malformed completion params: %v", err)
			return nil
		}
	}

	seen := make(map[string]bool)
	items := make([]lsp.CompletionItem, 0, len(s.indices.NodeSymbol))
	for id, sym := range s.indices.NodeSymbol {
		label := sym.Name
		if dot := strings.LastIndexByte(label, '.'); dot >= 0 {
			label = label[dot+1:]
		}
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true

		item := lsp.CompletionItem{
			Label:  label,
			Kind:   completionKind(sym.Kind),
			Detail: sym.Name,
		}
		if loc, ok := s.indices.NodeLocation[id]; ok {
			item.Detail = sym.Name + " (" + loc.Path + ")"
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

func completionKind(kind ir.NodeKind) lsp.CompletionItemKind {
	switch kind {
	case ir.NodeKindStruct:
		return lsp.CompletionItemKindStruct
	case ir.NodeKindEnum:
		return lsp.CompletionItemKindEnum
	case ir.NodeKindInterface:
		return lsp.CompletionItemKindInterface
	case ir.NodeKindConst:
		return lsp.CompletionItemKindConstant
	case ir.NodeKindAnnotation:
		return lsp.CompletionItemKindProperty
	default:
		return lsp.CompletionItemKindText
	}
}

func (s *Server) handleDidOpen(ctx context.Context, params json.RawMessage) {
	var p lsp.DidOpenTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		common.ServerLogger.Error("Malformed didOpen params: %v", err)
		return
	}
	s.compileFile(ctx, string(p.TextDocument.URI))
}

func (s *Server) handleDidSave(ctx context.Context, params json.RawMessage) {
	var p lsp.DidSaveTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		common.ServerLogger.Error("Malformed didSave params: %v", err)
		return
	}
	s.compileFile(ctx, string(p.TextDocument.URI))
}

func (s *Server) handleDidChangeWatchedFiles(ctx context.Context, params json.RawMessage) {
	var p lsp.DidChangeWatchedFilesParams
	if err := json.Unmarshal(params, &p); err != nil {
		common.ServerLogger.Error("Malformed didChangeWatchedFiles params: %v", err)
		return
	}
	for _, change := range p.Changes {
		s.compileFile(ctx, string(change.URI))
	}
}

// compileFile recompiles one .capnp file and publishes the resulting
// diagnostics. Version gate failures are surfaced as window/showMessage
// and subprocess failures as window/logMessage; neither crashes the
// server.
func (s *Server) compileFile(ctx context.Context, rawURI string) {
	if s.state != stateInitialized {
		common.ServerLogger.Warn("Ignoring file event before initialize: %s", rawURI)
		return
	}
	rel, ok := s.workspaceRelative(rawURI)
	if !ok {
		common.ServerLogger.Warn("File event URI is not in workspace path: %s", rawURI)
		return
	}
	if !strings.HasSuffix(rel, ".capnp") {
		return
	}

	err := s.manager.Compile(ctx, compiler.CompileParams{
		CompilerPath: s.compilerPath,
		ImportPaths:  s.importPaths,
		FileName:     rel,
		WorkingDir:   s.workspacePath,
		Indices:      s.indices,
		Diagnostics:  s.diagnostics,
	})
	if err != nil {
		common.ServerLogger.Error("Compile of %s failed: %v", rel, err)
		switch {
		case interrors.IsVersionError(err):
			s.notify("window/showMessage", lsp.ShowMessageParams{
				Type:    lsp.MessageTypeError,
				Message: err.Error(),
			})
		case interrors.IsProcessError(err):
			s.notify("window/logMessage", lsp.LogMessageParams{
				Type:    lsp.MessageTypeError,
				Message: err.Error(),
			})
		}
		return
	}

	s.publishDiagnostics(rel)
}

// publishDiagnostics emits one notification per file with diagnostics,
// or an empty array for fileName when the map is empty so the editor
// clears stale squiggles.
func (s *Server) publishDiagnostics(fileName string) {
	if len(s.diagnostics) == 0 {
		s.notify("textDocument/publishDiagnostics", lsp.PublishDiagnosticsParams{
			URI:         s.fileURI(fileName),
			Diagnostics: []lsp.Diagnostic{},
		})
		return
	}
	for path, diags := range s.diagnostics {
		s.notify("textDocument/publishDiagnostics", lsp.PublishDiagnosticsParams{
			URI:         s.fileURI(path),
			Diagnostics: diags,
		})
	}
	s.diagnostics.Clear()
}

// workspaceRelative strips the file:// scheme and the workspace prefix
// from a URI. It fails for URIs outside the workspace.
func (s *Server) workspaceRelative(rawURI string) (string, bool) {
	path := utils.URIToFilePath(rawURI)
	prefix := s.workspacePath + "/"
	if s.workspacePath == "" || !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// fileURI forms the file:// URI for an index path: joined to the
// workspace when relative, as-is when absolute.
func (s *Server) fileURI(path string) uri.URI {
	if filepath.IsAbs(path) {
		return uri.File(path)
	}
	return uri.File(filepath.Join(s.workspacePath, path))
}
