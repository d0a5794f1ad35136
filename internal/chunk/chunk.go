// Package chunk splits a task's input error set into bounded batches.
package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvFile names the environment variable that points an executor at its
// chunk file.
const EnvFile = "BUILDFIX_CHUNK_FILE"

// Partition splits items into consecutive chunks of at most maxSize,
// preserving order. Only the last chunk may be short. Empty input yields
// no chunks.
func Partition(items []string, maxSize int) ([][]string, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", maxSize)
	}
	if len(items) == 0 {
		return nil, nil
	}

	chunks := make([][]string, 0, (len(items)+maxSize-1)/maxSize)
	for start := 0; start < len(items); start += maxSize {
		end := min(start+maxSize, len(items))
		c := make([]string, end-start)
		copy(c, items[start:end])
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// UnitID returns the identity of chunk index of total for a task.
func UnitID(taskID string, index, total int) string {
	return fmt.Sprintf("%s#%d/%d", taskID, index, total)
}

// ReadErrorSet reads a newline-separated error list. Blank lines are
// dropped, surrounding whitespace trimmed, and duplicates removed keeping
// the first occurrence. A missing file is an empty set.
func ReadErrorSet(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open error set: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var items []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read error set %s: %w", path, err)
	}
	return items, nil
}

// Materialize writes a chunk's items to dir and returns the file path.
func Materialize(dir, unitID string, items []string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create chunk directory: %w", err)
	}

	path := filepath.Join(dir, SafeName(unitID)+".txt")
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write chunk file: %w", err)
	}
	return path, nil
}

var nameReplacer = strings.NewReplacer("#", "_", "/", "_of_", `\`, "_")

// SafeName makes a unit ID usable as a file name: "fix#1/3" becomes
// "fix_1_of_3".
func SafeName(unitID string) string {
	return nameReplacer.Replace(unitID)
}
