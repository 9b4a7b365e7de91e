// Package resolver walks the compiler IR and builds the two symbol
// indices go-to-definition is answered from: a per-file map from source
// range to node id, and a global map from node id to its declaration
// location.
package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/internal/errors"
	"capnp-lsp/src/internal/types"
	"capnp-lsp/src/server/ir"
)

// Indices are the symbol tables owned by the server and rebuilt by
// Resolve. Paths are workspace-relative for files inside the workspace
// and absolute for files found through absolute import paths.
type Indices struct {
	// FileSourceInfo maps a file path to the ranges of each identifier
	// occurrence in it and the node id each refers to.
	FileSourceInfo map[string]map[types.Range]uint64
	// NodeLocation maps a node id to its declaration site.
	NodeLocation map[uint64]types.Location
	// NodeSymbol maps a node id to its qualified name and kind.
	NodeSymbol map[uint64]Symbol
}

// Symbol is the name and kind of a declared node. The name is the part
// of the display name after the file path.
type Symbol struct {
	Name string
	Kind ir.NodeKind
}

// NewIndices creates empty indices.
func NewIndices() *Indices {
	return &Indices{
		FileSourceInfo: make(map[string]map[types.Range]uint64),
		NodeLocation:   make(map[uint64]types.Location),
		NodeSymbol:     make(map[uint64]Symbol),
	}
}

// resolution accumulates one resolve pass. Results are merged into the
// shared indices only if the whole pass succeeds, so a failed resolve
// leaves the previous indices untouched.
type resolution struct {
	files        map[string]map[types.Range]uint64
	nodes        map[uint64]types.Location
	symbols      map[uint64]Symbol
	importPaths  []string
	workspace    string
	contentCache map[string][]byte
}

// Resolve ingests a CodeGeneratorRequest and updates idx. Identifier
// entries for every requested file (a file node with an identifier
// table) are cleared and replaced; file nodes without one are skipped
// and keep their entries; entries for other nodes are upserted.
func Resolve(req ir.CodeGeneratorRequest, idx *Indices, importPaths []string, workspacePath string) error {
	res := &resolution{
		files:        make(map[string]map[types.Range]uint64),
		nodes:        make(map[uint64]types.Location),
		symbols:      make(map[uint64]Symbol),
		importPaths:  importPaths,
		workspace:    workspacePath,
		contentCache: make(map[string][]byte),
	}

	fileInfos, err := collectFileSourceInfo(req)
	if err != nil {
		return errors.NewResolveError("", "reading requested files: "+err.Error())
	}
	declSpans, err := collectSourceInfo(req)
	if err != nil {
		return errors.NewResolveError("", "reading source info: "+err.Error())
	}

	nodes, err := req.Nodes()
	if err != nil {
		return errors.NewResolveError("", "reading nodes: "+err.Error())
	}
	for i := 0; i < nodes.Len(); i++ {
		node := nodes.At(i)
		displayName, err := node.DisplayName()
		if err != nil {
			return errors.NewResolveError("", "reading display name: "+err.Error())
		}

		if node.Which() == ir.NodeKindFile {
			if err := res.resolveFileNode(node, displayName, fileInfos); err != nil {
				return err
			}
			continue
		}

		// Synthetic RPC argument and result structs share their
		// method's source span; indexing them would collide with it.
		if strings.HasSuffix(displayName, "$Params") || strings.HasSuffix(displayName, "$Results") {
			continue
		}

		if err := res.resolveDeclaration(node, displayName, declSpans); err != nil {
			return err
		}
	}

	// Merge only on full success.
	for path, ranges := range res.files {
		idx.FileSourceInfo[path] = ranges
	}
	for id, loc := range res.nodes {
		idx.NodeLocation[id] = loc
	}
	for id, sym := range res.symbols {
		idx.NodeSymbol[id] = sym
	}
	return nil
}

func collectFileSourceInfo(req ir.CodeGeneratorRequest) (map[uint64]ir.FileSourceInfo, error) {
	files, err := req.RequestedFiles()
	if err != nil {
		return nil, err
	}
	infos := make(map[uint64]ir.FileSourceInfo, files.Len())
	for i := 0; i < files.Len(); i++ {
		file := files.At(i)
		info, err := file.FileSourceInfo()
		if err != nil {
			return nil, err
		}
		infos[file.ID()] = info
	}
	return infos, nil
}

func collectSourceInfo(req ir.CodeGeneratorRequest) (map[uint64]ir.SourceInfo, error) {
	list, err := req.SourceInfo()
	if err != nil {
		return nil, err
	}
	spans := make(map[uint64]ir.SourceInfo, list.Len())
	for i := 0; i < list.Len(); i++ {
		info := list.At(i)
		spans[info.ID()] = info
	}
	return spans, nil
}

// resolveFileNode resets the identifier index of one requested file and
// repopulates it from the IR's identifier table.
func (res *resolution) resolveFileNode(node ir.Node, displayName string, fileInfos map[uint64]ir.FileSourceInfo) error {
	info, ok := fileInfos[node.ID()]
	if !ok {
		// An imported file the compiler did not emit identifiers for.
		return nil
	}

	path, err := extractFilePath(displayName, res.importPaths, res.workspace)
	if err != nil {
		return err
	}

	ranges := make(map[types.Range]uint64)
	res.files[path] = ranges
	res.nodes[node.ID()] = types.Location{
		Path: path,
		Range: types.Range{
			Start: types.Position{Line: 1, Character: 1},
			End:   types.Position{Line: 1, Character: 1},
		},
	}

	identifiers, err := info.Identifiers()
	if err != nil {
		return errors.NewResolveError(path, "reading identifiers: "+err.Error())
	}
	for i := 0; i < identifiers.Len(); i++ {
		id := identifiers.At(i)
		start, err := res.positionInFile(path, id.StartByte())
		if err != nil {
			return err
		}
		end, err := res.positionInFile(path, id.EndByte())
		if err != nil {
			return err
		}
		ranges[types.Range{Start: start, End: end}] = id.TypeID()
	}
	return nil
}

// resolveDeclaration records the declaration site of one non-file node.
func (res *resolution) resolveDeclaration(node ir.Node, displayName string, declSpans map[uint64]ir.SourceInfo) error {
	path, err := extractFilePath(displayName, res.importPaths, res.workspace)
	if err != nil {
		return err
	}

	span, ok := declSpans[node.ID()]
	if !ok {
		return nil
	}
	start, err := res.positionInFile(path, span.StartByte())
	if err != nil {
		return err
	}
	end, err := res.positionInFile(path, span.EndByte())
	if err != nil {
		return err
	}
	res.nodes[node.ID()] = types.Location{
		Path:  path,
		Range: types.Range{Start: start, End: end},
	}
	if colon := strings.IndexByte(displayName, ':'); colon >= 0 {
		res.symbols[node.ID()] = Symbol{Name: displayName[colon+1:], Kind: node.Which()}
	}
	return nil
}

// extractFilePath turns a node display name into an on-disk path. The
// display name has the shape <relative-path>:<qualified-name>; the
// prefix is searched for relative to the workspace first, then through
// the import paths in declared order. A workspace hit yields a
// workspace-relative path; an absolute import path hit yields an
// absolute one.
func extractFilePath(displayName string, importPaths []string, workspacePath string) (string, error) {
	rel := displayName
	if colon := strings.IndexByte(rel, ':'); colon >= 0 {
		rel = rel[:colon]
	}
	rel = strings.TrimPrefix(rel, "/")

	if fileExists(filepath.Join(workspacePath, rel)) {
		return rel, nil
	}

	for _, importPath := range importPaths {
		if filepath.IsAbs(importPath) {
			candidate := filepath.Join(importPath, rel)
			if fileExists(candidate) {
				return candidate, nil
			}
		} else {
			candidate := filepath.Join(importPath, rel)
			if fileExists(filepath.Join(workspacePath, candidate)) {
				return candidate, nil
			}
		}
	}

	common.ServerLogger.Error("File not found for display name %q", displayName)
	return "", errors.NewResolveError(rel, "file not found")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// positionInFile translates a byte offset into a 1-based position by
// scanning the file content from the start. Offset 0 maps to (1, 1).
// File contents are cached for the duration of one resolve pass.
func (res *resolution) positionInFile(path string, byteOffset uint32) (types.Position, error) {
	content, ok := res.contentCache[path]
	if !ok {
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(res.workspace, full)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return types.Position{}, errors.NewResolveError(path, "reading file: "+err.Error())
		}
		content = data
		res.contentCache[path] = content
	}
	return positionAt(content, byteOffset), nil
}

func positionAt(content []byte, byteOffset uint32) types.Position {
	pos := types.Position{Line: 1, Character: 1}
	limit := int(byteOffset)
	if limit > len(content) {
		limit = len(content)
	}
	for i := 0; i < limit; i++ {
		if content[i] == '\n' {
			pos.Line++
			pos.Character = 1
		} else {
			pos.Character++
		}
	}
	return pos
}
