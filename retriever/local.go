package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gonum.org/v1/gonum/floats"

	"github.com/verdemuse/assistant/common/logger"
)

const indexFileName = "index.json"

// LocalIndex is a flat cosine-similarity index persisted as JSON under a
// directory. It suits knowledge bases of a few thousand passages.
type LocalIndex struct {
	dir      string
	embedder Embedder

	mu      sync.RWMutex
	entries []localEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type localEntry struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Vector   []float64              `json:"vector"`
}

type localFile struct {
	Embedder  string       `json:"embedder"`
	Dimension int          `json:"dimension"`
	Entries   []localEntry `json:"entries"`
}

// NewLocalIndex opens the index stored in dir. A missing index file leaves
// the index empty; searches fail with ErrIndexNotInitialized until
// documents are added.
func NewLocalIndex(dir string, embedder Embedder) (*LocalIndex, error) {
	idx := &LocalIndex{dir: dir, embedder: embedder}
	if err := idx.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return idx, nil
}

func (l *LocalIndex) Type() string { return "local" }

func (l *LocalIndex) path() string { return filepath.Join(l.dir, indexFileName) }

// Load replaces the in-memory entries with the persisted ones.
func (l *LocalIndex) Load() error {
	raw, err := os.ReadFile(l.path())
	if err != nil {
		return err
	}
	var f localFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode %s: %w", l.path(), err)
	}
	if f.Embedder != "" && f.Embedder != l.embedder.Name() {
		return fmt.Errorf("index %s was built with embedder %q, configured %q", l.path(), f.Embedder, l.embedder.Name())
	}
	if dim := l.embedder.Dimension(); dim > 0 && f.Dimension > 0 && f.Dimension != dim {
		return fmt.Errorf("index %s has dimension %d, embedder %s produces %d", l.path(), f.Dimension, l.embedder.Name(), dim)
	}
	l.mu.Lock()
	l.entries = f.Entries
	l.mu.Unlock()
	logger.Infof("local index loaded %d passages from %s", len(f.Entries), l.path())
	return nil
}

// Len reports the number of indexed passages.
func (l *LocalIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// AddDocuments embeds docs, replaces entries with the same ID and persists
// the index atomically.
func (l *LocalIndex) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := l.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	l.mu.Lock()
	pos := make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		pos[e.ID] = i
	}
	for i, d := range docs {
		e := localEntry{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Vector: vecs[i]}
		if j, ok := pos[d.ID]; ok && d.ID != "" {
			l.entries[j] = e
			continue
		}
		pos[d.ID] = len(l.entries)
		l.entries = append(l.entries, e)
	}
	snapshot := localFile{Embedder: l.embedder.Name(), Dimension: l.embedder.Dimension(), Entries: l.entries}
	raw, err := json.Marshal(snapshot)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return writeFileAtomic(l.path(), raw)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (l *LocalIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 3
	}
	if l.Len() == 0 {
		return nil, ErrIndexNotInitialized
	}
	vecs, err := l.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q := vecs[0]

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Vectors of another dimension are not comparable with the query.
	candidates := make([]int, 0, len(l.entries))
	scores := make([]float64, 0, len(l.entries))
	for i, e := range l.entries {
		if len(e.Vector) != len(q) {
			continue
		}
		candidates = append(candidates, i)
		scores = append(scores, floats.Dot(e.Vector, q))
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no passages match query dimension %d", ErrIndexNotInitialized, len(q))
	}
	order := make([]int, len(scores))
	sorted := append([]float64(nil), scores...)
	floats.Argsort(sorted, order)

	if k > len(order) {
		k = len(order)
	}
	out := make([]Passage, 0, k)
	for i := len(order) - 1; i >= 0 && len(out) < k; i-- {
		e := l.entries[candidates[order[i]]]
		out = append(out, Passage{ID: e.ID, Content: e.Content, Score: scores[order[i]], Metadata: e.Metadata})
	}
	return out, nil
}

// Watch reloads the index whenever the persisted file is replaced, so a
// separate ingest run becomes visible without a restart.
func (l *LocalIndex) Watch() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop(w, l.done)
	return nil
}

func (l *LocalIndex) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != indexFileName || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			if err := l.Load(); err != nil {
				logger.Warnf("local index reload failed: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warnf("local index watcher: %v", err)
		}
	}
}

func (l *LocalIndex) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	return err
}
