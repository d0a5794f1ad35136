package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Fingerprint hashes everything that determines a unit's outcome: the
// executor reference and timeout, the unit's input items, and the contents of the
// files matched by the descriptor's Inputs globs (relative to workdir).
// The same inputs always produce the same fingerprint.
func Fingerprint(workdir string, d models.TaskDescriptor, items []string) (string, error) {
	h := sha256.New()

	ref, err := json.Marshal(d.Ref)
	if err != nil {
		return "", fmt.Errorf("encode exec ref: %w", err)
	}
	writeField(h, "ref", ref)
	writeField(h, "timeout", []byte(d.Timeout.String()))

	for _, item := range items {
		writeField(h, "item", []byte(item))
	}

	files, err := expandInputs(workdir, d.Inputs)
	if err != nil {
		return "", err
	}
	for _, path := range files {
		rel, _ := filepath.Rel(workdir, path)
		writeField(h, "file", []byte(filepath.ToSlash(rel)))
		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField length-prefixes each value so adjacent fields cannot collide.
func writeField(w io.Writer, tag string, value []byte) {
	fmt.Fprintf(w, "%s:%d:", tag, len(value))
	w.Write(value)
}

func expandInputs(workdir string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(workdir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close()

	inner := sha256.New()
	if _, err := io.Copy(inner, f); err != nil {
		return fmt.Errorf("hash input %s: %w", path, err)
	}
	writeField(w, "sha256", inner.Sum(nil))
	return nil
}
