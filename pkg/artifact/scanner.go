// Package artifact scans job artifact archives for files selected by glob
// patterns.
//
// Archives come from CI systems outside our control, so a damaged archive is
// reported as one ErrCorruptArchive error rather than a fault.
package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/pkg/match"
)

// DefaultMaxEntryBytes bounds the uncompressed size of a single entry read
// into memory.
const DefaultMaxEntryBytes int64 = 64 << 20

var (
	// ErrCorruptArchive classifies archives that cannot be read.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrEntryTooLarge is yielded for matching entries above MaxEntryBytes.
	ErrEntryTooLarge = errors.New("archive entry exceeds size limit")

	// ErrUnsupportedEntry is yielded for entries using an unknown compression method.
	ErrUnsupportedEntry = errors.New("archive entry uses unsupported compression")
)

// Entry is one matching file extracted from an archive.
type Entry struct {
	Name     string
	Size     int64
	Modified time.Time
	Data     []byte
}

// EntryError reports a problem with one entry; scanning continues after it.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("archive entry %s: %v", e.Name, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Scanner finds archive entries matching glob patterns.
type Scanner struct {
	// MaxEntryBytes caps the size of entries read into memory. Zero means
	// DefaultMaxEntryBytes; negative disables the cap.
	MaxEntryBytes int64

	// Excludes are glob patterns removed from the selection.
	Excludes []string
}

// FindMatches scans a zip archive with the default Scanner.
func FindMatches(archive []byte, patterns []string) iter.Seq2[Entry, error] {
	return Scanner{}.FindMatches(archive, patterns)
}

// FindMatches returns a lazy sequence of the archive's regular files whose
// path matches any of patterns. Each entry is yielded at most once even when
// several patterns select it. Hidden entries are included.
//
// An empty archive or an empty pattern list yields nothing. A corrupt
// archive yields a single error wrapping ErrCorruptArchive and ends the
// sequence. Every call re-reads the archive from the start.
func (s Scanner) FindMatches(archive []byte, patterns []string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if len(archive) == 0 {
			return
		}
		m, err := match.New(match.Config{Includes: patterns, Excludes: s.Excludes, IncludeHidden: true})
		if err != nil {
			if errors.Is(err, match.ErrNoIncludes) {
				return
			}
			yield(Entry{}, err)
			return
		}

		zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
		if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
			yield(Entry{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err))
			return
		}

		limit := s.maxEntryBytes()
		seen := make(map[string]struct{})
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
				continue
			}
			name := match.NormalizeEntryName(f.Name)
			if !m.Match(name) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}

			entry := Entry{Name: name, Size: int64(f.UncompressedSize64), Modified: f.Modified}
			if limit > 0 && f.UncompressedSize64 > uint64(limit) {
				if !yield(entry, &EntryError{Name: name, Err: ErrEntryTooLarge}) {
					return
				}
				continue
			}

			data, err := readEntry(f, limit)
			switch {
			case err == nil:
			case errors.Is(err, zip.ErrAlgorithm):
				if !yield(entry, &EntryError{Name: name, Err: ErrUnsupportedEntry}) {
					return
				}
				continue
			case errors.Is(err, ErrEntryTooLarge):
				if !yield(entry, &EntryError{Name: name, Err: err}) {
					return
				}
				continue
			default:
				yield(Entry{}, fmt.Errorf("%w: entry %s: %w", ErrCorruptArchive, name, err))
				return
			}
			entry.Data = data
			entry.Size = int64(len(data))
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s Scanner) maxEntryBytes() int64 {
	if s.MaxEntryBytes == 0 {
		return DefaultMaxEntryBytes
	}
	return s.MaxEntryBytes
}

// readEntry reads f fully. The size recorded in the header is not trusted.
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrEntryTooLarge
	}
	return data, nil
}

// Collect drains seq into a slice. It stops at the first error that is not
// an *EntryError and returns the entries read so far with that error.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, []error, error) {
	var (
		entries []Entry
		skipped []error
	)
	for e, err := range seq {
		if err != nil {
			var ee *EntryError
			if errors.As(err, &ee) {
				skipped = append(skipped, err)
				continue
			}
			return entries, skipped, err
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}
