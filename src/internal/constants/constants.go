package constants

import "time"

// Timeout constants for compiler invocations
const (
	CompileTimeout      = 30 * time.Second
	VersionProbeTimeout = 10 * time.Second
)

// Transport buffer sizes
const (
	// FrameReadBufferSize is the initial size of the inbound frame buffer.
	// It grows when a single frame exceeds it.
	FrameReadBufferSize = 64 * 1024
)

// Compiler IR limits
const (
	// IRTraversalLimitWords bounds pointer traversal while walking the
	// CodeGeneratorRequest message. Schemas are small but the default
	// limit is easy to exhaust when every node is visited twice.
	IRTraversalLimitWords = 1 << 30
)

// Minimum supported capnp compiler version. The fileSourceInfo section
// of the CodeGeneratorRequest only exists from 1.1 on.
const (
	MinCompilerMajor = 1
	MinCompilerMinor = 1
)
