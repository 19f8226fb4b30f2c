package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdemuse/assistant/retriever"
)

func TestSeedDocuments(t *testing.T) {
	kb, err := Seed()
	require.NoError(t, err)
	assert.Len(t, kb.Products, 5)
	assert.Len(t, kb.FAQs, 9)

	docs := Documents(kb)
	assert.Len(t, docs, 29)

	byID := map[string]retriever.Document{}
	for _, d := range docs {
		_, dup := byID[d.ID]
		assert.False(t, dup, "duplicate id %s", d.ID)
		byID[d.ID] = d
	}

	palm := byID["vm-plant-001:product"]
	assert.True(t, strings.HasPrefix(palm.Content, "Product Name: VerdeMuse Harmony Palm\nCategory: Indoor Plants\nDescription: "))
	assert.True(t, strings.HasSuffix(palm.Content, "Price: $49.99"))
	assert.Equal(t, "Indoor Plants", palm.Metadata["category"])

	benefits := byID["vm-plant-001:benefits"]
	assert.Equal(t, "Benefits of VerdeMuse Harmony Palm:\nAir purifying, Low maintenance, Pet friendly, Stress reducing", benefits.Content)
	assert.Equal(t, "vm-plant-001", benefits.Metadata["product_id"])

	assert.Contains(t, byID, "vm-soil-001:usage_instructions")
	assert.NotContains(t, byID, "vm-soil-001:care_instructions")

	faq := byID["faq-004"]
	assert.True(t, strings.HasPrefix(faq.Content, "Q: What is your return policy?\nA: VerdeMuse offers a 30-day"))
	assert.Equal(t, "faq", faq.Metadata["type"])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
products:
  - id: p1
    name: Pot
    category: Accessories
    description: A pot.
    price: 10
faqs:
  - question: Is it round?
    answer: Yes.
`), 0o600))

	kb, err := Load(path)
	require.NoError(t, err)
	docs := Documents(kb)
	require.Len(t, docs, 2)
	assert.True(t, strings.HasSuffix(docs[0].Content, "Price: $10"))
	assert.Equal(t, "Q: Is it round?\nA: Yes.", docs[1].Content)

	_, err = Parse([]byte("products:\n  - name: nameless\n"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type batchWriter struct {
	batches [][]retriever.Document
	failAt  int
}

func (w *batchWriter) AddDocuments(ctx context.Context, docs []retriever.Document) error {
	if w.failAt > 0 && len(w.batches)+1 == w.failAt {
		return errors.New("write failed")
	}
	w.batches = append(w.batches, docs)
	return nil
}

func TestIngestBatches(t *testing.T) {
	kb, err := Seed()
	require.NoError(t, err)
	docs := Documents(kb)

	w := &batchWriter{}
	n, err := Ingest(context.Background(), w, docs, 10)
	require.NoError(t, err)
	assert.Equal(t, 29, n)
	require.Len(t, w.batches, 3)
	assert.Len(t, w.batches[2], 9)

	w = &batchWriter{failAt: 2}
	n, err = Ingest(context.Background(), w, docs, 10)
	assert.Error(t, err)
	assert.Equal(t, 10, n)
}

func TestIngestIntoLocalIndex(t *testing.T) {
	ctx := context.Background()
	kb, err := Seed()
	require.NoError(t, err)

	idx, err := retriever.NewLocalIndex(t.TempDir(), retriever.NewHashingEmbedder(384))
	require.NoError(t, err)
	_, err = Ingest(ctx, idx, Documents(kb), 0)
	require.NoError(t, err)

	got, err := idx.SimilaritySearch(ctx, "What is your return policy?", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "faq-004", got[0].ID)
}
