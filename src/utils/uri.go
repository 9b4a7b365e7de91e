package utils

import (
	"strings"

	"go.lsp.dev/uri"
)

// URIToFilePath converts a file:// URI to a file system path. Inputs
// that are not file URIs are returned unchanged.
func URIToFilePath(s string) string {
	if !strings.HasPrefix(s, "file://") {
		return s
	}

	parsed, err := uri.Parse(s)
	if err != nil {
		return strings.TrimPrefix(s, "file://")
	}
	return parsed.Filename()
}

// FilePathToURI converts a file system path to a file:// URI.
func FilePathToURI(path string) string {
	return string(uri.File(path))
}
