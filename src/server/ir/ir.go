// Package ir provides typed read access to the serialized
// CodeGeneratorRequest message the capnp compiler writes to stdout
// under -o-. The readers mirror the accessor style of capnp-generated
// code but are written against the runtime directly: the bindings
// bundled with the Go capnp runtime predate the 1.1 schema additions
// this server depends on (per-node byte spans and per-file identifier
// tables).
package ir

import (
	capnp "capnproto.org/go/capnp/v3"

	"capnp-lsp/src/internal/constants"
)

// NodeKind is the discriminant of the Node union.
type NodeKind uint16

const (
	NodeKindFile       NodeKind = 0
	NodeKindStruct     NodeKind = 1
	NodeKindEnum       NodeKind = 2
	NodeKindInterface  NodeKind = 3
	NodeKindConst      NodeKind = 4
	NodeKindAnnotation NodeKind = 5
)

// CodeGeneratorRequest is the root of the compiler IR.
type CodeGeneratorRequest capnp.Struct

// CodeGeneratorRequestFromMessage wraps an already-decoded message.
func CodeGeneratorRequestFromMessage(msg *capnp.Message) (CodeGeneratorRequest, error) {
	msg.ResetReadLimit(constants.IRTraversalLimitWords)
	root, err := msg.Root()
	if err != nil {
		return CodeGeneratorRequest{}, err
	}
	return CodeGeneratorRequest(root.Struct()), nil
}

func (r CodeGeneratorRequest) Nodes() (NodeList, error) {
	p, err := capnp.Struct(r).Ptr(0)
	return NodeList{p.List()}, err
}

func (r CodeGeneratorRequest) RequestedFiles() (RequestedFileList, error) {
	p, err := capnp.Struct(r).Ptr(1)
	return RequestedFileList{p.List()}, err
}

func (r CodeGeneratorRequest) SourceInfo() (SourceInfoList, error) {
	p, err := capnp.Struct(r).Ptr(3)
	return SourceInfoList{p.List()}, err
}

// Node is one declaration in the schema graph.
type Node capnp.Struct

func (n Node) ID() uint64 {
	return capnp.Struct(n).Uint64(0)
}

func (n Node) DisplayName() (string, error) {
	p, err := capnp.Struct(n).Ptr(0)
	return p.Text(), err
}

func (n Node) Which() NodeKind {
	return NodeKind(capnp.Struct(n).Uint16(12))
}

// NodeList is a List(Node).
type NodeList struct{ capnp.List }

func (l NodeList) At(i int) Node { return Node(l.List.Struct(i)) }

// SourceInfo carries the byte span of a node's declaration.
type SourceInfo capnp.Struct

func (s SourceInfo) ID() uint64 {
	return capnp.Struct(s).Uint64(0)
}

func (s SourceInfo) StartByte() uint32 {
	return capnp.Struct(s).Uint32(8)
}

func (s SourceInfo) EndByte() uint32 {
	return capnp.Struct(s).Uint32(12)
}

// SourceInfoList is a List(Node.SourceInfo).
type SourceInfoList struct{ capnp.List }

func (l SourceInfoList) At(i int) SourceInfo { return SourceInfo(l.List.Struct(i)) }

// RequestedFile is one file named on the compiler command line.
type RequestedFile capnp.Struct

func (f RequestedFile) ID() uint64 {
	return capnp.Struct(f).Uint64(0)
}

func (f RequestedFile) Filename() (string, error) {
	p, err := capnp.Struct(f).Ptr(0)
	return p.Text(), err
}

func (f RequestedFile) FileSourceInfo() (FileSourceInfo, error) {
	p, err := capnp.Struct(f).Ptr(2)
	return FileSourceInfo(p.Struct()), err
}

// RequestedFileList is a List(CodeGeneratorRequest.RequestedFile).
type RequestedFileList struct{ capnp.List }

func (l RequestedFileList) At(i int) RequestedFile { return RequestedFile(l.List.Struct(i)) }

// FileSourceInfo holds the identifier occurrence table of one file.
type FileSourceInfo capnp.Struct

func (f FileSourceInfo) Identifiers() (IdentifierList, error) {
	p, err := capnp.Struct(f).Ptr(0)
	return IdentifierList{p.List()}, err
}

// Identifier is one textual reference to a node, as a byte span plus
// the id of the referenced type.
type Identifier capnp.Struct

func (id Identifier) StartByte() uint32 {
	return capnp.Struct(id).Uint32(0)
}

func (id Identifier) EndByte() uint32 {
	return capnp.Struct(id).Uint32(4)
}

func (id Identifier) TypeID() uint64 {
	return capnp.Struct(id).Uint64(16)
}

// IdentifierList is a List(FileSourceInfo.Identifier).
type IdentifierList struct{ capnp.List }

func (l IdentifierList) At(i int) Identifier { return Identifier(l.List.Struct(i)) }
