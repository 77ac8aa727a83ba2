// Package blobstore stores uploaded job artifacts as opaque blobs.
//
// The server only needs "store bytes, return a handle": a Store puts a blob
// under a key and later streams it back for import. Keys are built with Key
// and never contain "..".
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store persists blobs by key. Implementations must be safe for concurrent use.
type Store interface {
	// Put writes size bytes from r under key, replacing any existing blob.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the blob at key. Returns ErrNotFound when it does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the blob at key. Missing blobs are not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Kind identifies a blob store backend.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind parses a configured provider name. Empty selects KindFile.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindFile, nil
	case KindFile, KindS3:
		return k, nil
	default:
		return "", fmt.Errorf("unknown artifact provider %q (want file or s3)", s)
	}
}

// Key returns the blob key for an artifact uploaded for a job:
// <tenant>/<guid>/<filename>. Only the base name of filename is kept.
func Key(tenantID, guid, filename string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	guid = strings.TrimSpace(guid)
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	switch {
	case tenantID == "" || guid == "":
		return "", fmt.Errorf("tenant and job guid are required")
	case strings.ContainsAny(tenantID, `/\`) || tenantID == ".." || tenantID == ".":
		return "", fmt.Errorf("invalid tenant %q", tenantID)
	case strings.ContainsAny(guid, `/\`) || guid == ".." || guid == ".":
		return "", fmt.Errorf("invalid job guid %q", guid)
	case name == "." || name == "/" || name == "..":
		return "", fmt.Errorf("invalid artifact filename %q", filename)
	}
	return tenantID + "/" + guid + "/" + name, nil
}
