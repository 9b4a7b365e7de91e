package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lsp "go.lsp.dev/protocol"

	"capnp-lsp/src/internal/types"
	"capnp-lsp/src/server/ir"
	"capnp-lsp/src/server/protocol"
	"capnp-lsp/src/server/resolver"
)

func frame(payload string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
}

// newTestServer returns a server writing frames into out.
func newTestServer(out *bytes.Buffer) *Server {
	return New(strings.NewReader(""), out, nil)
}

// drainFrames decodes every frame written to out so far.
func drainFrames(t *testing.T, out *bytes.Buffer) []protocol.Message {
	t.Helper()
	fr := protocol.NewFrameReader(bytes.NewReader(out.Bytes()))
	var msgs []protocol.Message
	for {
		payload, err := fr.Next()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		msgs = append(msgs, msg)
	}
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"rootUri":"file:///ws"}}`))

	assert.Equal(t, stateInitialized, s.state)
	assert.Equal(t, "/ws", s.workspacePath)

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `1`, string(msgs[0].ID))

	var result initializeResult
	require.NoError(t, json.Unmarshal(msgs[0].Result, &result))
	assert.True(t, result.Capabilities.TextDocumentSync.OpenClose)
	assert.Equal(t, 1, result.Capabilities.TextDocumentSync.Change)
	assert.True(t, result.Capabilities.TextDocumentSync.Save)
	assert.True(t, result.Capabilities.DefinitionProvider)
	assert.True(t, result.Capabilities.CompletionProvider)
	assert.True(t, result.Capabilities.DidChangeWatchedFiles)
}

func TestInitializePrefersWorkspaceFolders(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(), []byte(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{`+
			`"rootUri":"file:///other",`+
			`"workspaceFolders":[{"uri":"file:///ws/","name":"ws"}]}}`))

	assert.Equal(t, "/ws", s.workspacePath)
}

func TestInitializeAppliesInitializationOptions(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(), []byte(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{`+
			`"rootUri":"file:///ws",`+
			`"initializationOptions":{"capnp":{`+
			`"compilerPath":"/opt/capnp/bin/capnp",`+
			`"importPaths":["/usr/include"]}}}}`))

	assert.Equal(t, "/opt/capnp/bin/capnp", s.compilerPath)
	assert.Equal(t, []string{"/usr/include"}, s.importPaths)
}

func TestInitializeWithoutNumericIDGetsNoReply(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":null,"method":"initialize","params":{}}`))

	assert.Equal(t, stateUninitialized, s.state)
	assert.Empty(t, drainFrames(t, &out))
}

func TestSecondInitializeIsRejected(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)
	s.state = stateInitialized

	s.dispatch(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`))

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, protocol.InvalidRequest, msgs[0].Error.Code)
}

func TestUndecodableFrameShutsDown(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(), []byte(`{not json`))

	assert.Equal(t, stateShuttingDown, s.state)
	assert.Empty(t, drainFrames(t, &out))
}

func TestUnknownRequestGetsNullReply(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)
	s.state = stateInitialized

	s.dispatch(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":4,"method":"textDocument/hover","params":{}}`))

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `null`, string(msgs[0].Result))
}

func TestUnknownNotificationGetsNoReply(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)
	s.state = stateInitialized

	s.dispatch(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"workspace/didRenameFiles","params":{}}`))

	assert.Empty(t, drainFrames(t, &out))
}

func TestIgnoredNotifications(t *testing.T) {
	for _, method := range []string{"initialized", "$/setTrace", "$/cancelRequest", "textDocument/didChange"} {
		t.Run(method, func(t *testing.T) {
			var out bytes.Buffer
			s := newTestServer(&out)
			s.state = stateInitialized

			s.dispatch(context.Background(),
				[]byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":{}}`, method)))

			assert.Equal(t, stateInitialized, s.state)
			assert.Empty(t, drainFrames(t, &out))
		})
	}
}

func indexedServer(out *bytes.Buffer) *Server {
	s := newTestServer(out)
	s.state = stateInitialized
	s.workspacePath = "/ws"
	s.indices.FileSourceInfo["a.capnp"] = map[types.Range]uint64{
		{Start: types.Position{Line: 2, Character: 5}, End: types.Position{Line: 2, Character: 12}}: 42,
	}
	s.indices.NodeLocation[42] = types.Location{
		Path: "defs.capnp",
		Range: types.Range{
			Start: types.Position{Line: 5, Character: 3},
			End:   types.Position{Line: 5, Character: 10},
		},
	}
	return s
}

func TestDefinitionHit(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)

	result := s.handleDefinition([]byte(
		`{"textDocument":{"uri":"file:///ws/a.capnp"},"position":{"line":1,"character":6}}`))

	loc, ok := result.(lsp.Location)
	require.True(t, ok)
	assert.Equal(t, "file:///ws/defs.capnp", string(loc.URI))
	assert.Equal(t, lsp.Range{
		Start: lsp.Position{Line: 4, Character: 2},
		End:   lsp.Position{Line: 4, Character: 9},
	}, loc.Range)
}

func TestDefinitionMissRepliesNull(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)

	result := s.handleDefinition([]byte(
		`{"textDocument":{"uri":"file:///ws/a.capnp"},"position":{"line":9,"character":0}}`))
	assert.Nil(t, result)
}

func TestDefinitionOutsideWorkspaceRepliesNull(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)

	result := s.handleDefinition([]byte(
		`{"textDocument":{"uri":"file:///elsewhere/a.capnp"},"position":{"line":1,"character":6}}`))
	assert.Nil(t, result)
}

func TestDefinitionBeforeInitializeRepliesNull(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	result := s.handleDefinition([]byte(
		`{"textDocument":{"uri":"file:///ws/a.capnp"},"position":{"line":1,"character":6}}`))
	assert.Nil(t, result)
}

func TestDefinitionAbsoluteIndexPath(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)
	s.indices.NodeLocation[42] = types.Location{
		Path: "/usr/include/capnp/c++.capnp",
		Range: types.Range{
			Start: types.Position{Line: 1, Character: 1},
			End:   types.Position{Line: 1, Character: 1},
		},
	}

	result := s.handleDefinition([]byte(
		`{"textDocument":{"uri":"file:///ws/a.capnp"},"position":{"line":1,"character":6}}`))

	loc, ok := result.(lsp.Location)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(loc.URI), "file:///usr/include/"))
}

func TestCompletionListsDeclaredSymbols(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)
	s.indices.NodeSymbol[42] = resolver.Symbol{Name: "Person", Kind: ir.NodeKindStruct}
	s.indices.NodeSymbol[43] = resolver.Symbol{Name: "Person.Employment", Kind: ir.NodeKindEnum}
	s.indices.NodeSymbol[44] = resolver.Symbol{Name: "AddressBook", Kind: ir.NodeKindStruct}

	result := s.handleCompletion([]byte(`{}`))
	items, ok := result.([]lsp.CompletionItem)
	require.True(t, ok)
	require.Len(t, items, 3)

	assert.Equal(t, "AddressBook", items[0].Label)
	assert.Equal(t, "Employment", items[1].Label)
	assert.Equal(t, "Person", items[2].Label)
	assert.Equal(t, lsp.CompletionItemKindEnum, items[1].Kind)
	assert.Equal(t, lsp.CompletionItemKindStruct, items[2].Kind)
	assert.Contains(t, items[2].Detail, "Person (defs.capnp)")
}

func TestCompletionDeduplicatesLabels(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)
	s.indices.NodeSymbol[50] = resolver.Symbol{Name: "a.Foo", Kind: ir.NodeKindStruct}
	s.indices.NodeSymbol[51] = resolver.Symbol{Name: "b.Foo", Kind: ir.NodeKindStruct}

	result := s.handleCompletion([]byte(`{}`))
	items, ok := result.([]lsp.CompletionItem)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestCompletionBeforeInitializeRepliesNull(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)
	assert.Nil(t, s.handleCompletion([]byte(`{}`)))
}

func TestFileEventsBeforeInitializeAreIgnored(t *testing.T) {
	var out bytes.Buffer
	s := newTestServer(&out)

	s.dispatch(context.Background(), []byte(
		`{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{`+
			`"textDocument":{"uri":"file:///ws/a.capnp","languageId":"capnp","version":1,"text":""}}}`))

	assert.Empty(t, drainFrames(t, &out))
}

func TestCompileFileSkipsNonCapnpFiles(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)

	s.compileFile(context.Background(), "file:///ws/readme.md")

	assert.Empty(t, drainFrames(t, &out))
}

func TestPublishDiagnosticsEmptyMapClearsFile(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)

	s.publishDiagnostics("a.capnp")

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "textDocument/publishDiagnostics", msgs[0].Method)

	var params lsp.PublishDiagnosticsParams
	require.NoError(t, json.Unmarshal(msgs[0].Params, &params))
	assert.Equal(t, "file:///ws/a.capnp", string(params.URI))
	assert.NotNil(t, params.Diagnostics)
	assert.Empty(t, params.Diagnostics)
}

func TestPublishDiagnosticsEmitsOnePerFile(t *testing.T) {
	var out bytes.Buffer
	s := indexedServer(&out)
	s.diagnostics["a.capnp"] = []lsp.Diagnostic{{Message: "first"}}
	s.diagnostics["b.capnp"] = []lsp.Diagnostic{{Message: "second"}, {Message: "third"}}

	s.publishDiagnostics("a.capnp")

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 2)
	counts := make(map[string]int)
	for _, msg := range msgs {
		var params lsp.PublishDiagnosticsParams
		require.NoError(t, json.Unmarshal(msg.Params, &params))
		counts[string(params.URI)] = len(params.Diagnostics)
	}
	assert.Equal(t, 1, counts["file:///ws/a.capnp"])
	assert.Equal(t, 2, counts["file:///ws/b.capnp"])
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"rootUri":"file:///ws"}}`) +
		frame(`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`) +
		frame(`{"jsonrpc":"2.0","method":"exit"}`)

	var out bytes.Buffer
	s := New(strings.NewReader(input), &out, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, stateExited, s.state)

	msgs := drainFrames(t, &out)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `1`, string(msgs[0].ID))
	assert.JSONEq(t, `2`, string(msgs[1].ID))
	assert.JSONEq(t, `null`, string(msgs[1].Result))
}

func TestRunStopsOnEOF(t *testing.T) {
	var out bytes.Buffer
	s := New(strings.NewReader(""), &out, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, stateExited, s.state)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	// A blocking reader keeps the frame goroutine pending so shutdown
	// must come from the context.
	r, _ := io.Pipe()
	s := New(r, &out, nil)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, stateExited, s.state)
}
