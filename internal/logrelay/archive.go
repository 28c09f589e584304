package logrelay

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Archive writes the raw log lines captured for each match to a
// compressed file, one archive per game
type Archive struct {
	dir string

	mu      sync.Mutex
	writers map[string]*archiveWriter
}

type archiveWriter struct {
	file *os.File
	gzip *gzip.Writer
}

// NewArchive creates an archive rooted at dir
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log archive dir: %w", err)
	}
	return &Archive{dir: dir, writers: make(map[string]*archiveWriter)}, nil
}

// Open starts capturing lines for the given secret into game-<number>.log.gz
func (a *Archive) Open(secret string, gameNumber int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.writers[secret]; ok {
		return nil
	}

	path := filepath.Join(a.dir, fmt.Sprintf("game-%d.log.gz", gameNumber))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log archive: %w", err)
	}

	a.writers[secret] = &archiveWriter{file: file, gzip: gzip.NewWriter(file)}
	return nil
}

// Append records one line for the secret's archive. Lines for unknown
// secrets are ignored.
func (a *Archive) Append(secret, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.writers[secret]
	if !ok {
		return
	}
	if _, err := w.gzip.Write([]byte(line + "\n")); err != nil {
		log.Printf("log archive: write error: %v", err)
	}
}

// Close flushes and closes the secret's archive
func (a *Archive) Close(secret string) {
	a.mu.Lock()
	w, ok := a.writers[secret]
	delete(a.writers, secret)
	a.mu.Unlock()

	if !ok {
		return
	}
	if err := w.gzip.Close(); err != nil {
		log.Printf("log archive: close error: %v", err)
	}
	w.file.Close()
}

// CloseAll closes every open archive
func (a *Archive) CloseAll() {
	a.mu.Lock()
	secrets := make([]string, 0, len(a.writers))
	for s := range a.writers {
		secrets = append(secrets, s)
	}
	a.mu.Unlock()

	for _, s := range secrets {
		a.Close(s)
	}
}
