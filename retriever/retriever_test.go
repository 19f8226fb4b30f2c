package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/config"
)

var careDocs = []Document{
	{ID: "care-1", Content: "Water the Monstera once a week and let the top soil dry between waterings.", Metadata: map[string]interface{}{"type": "care_instructions"}},
	{ID: "faq-1", Content: "Q: What is your return policy?\nA: Unused products can be returned within 30 days.", Metadata: map[string]interface{}{"type": "faq"}},
	{ID: "sus-1", Content: "Our pots are made from recycled ocean plastic and shipped carbon neutral.", Metadata: map[string]interface{}{"type": "sustainability"}},
}

func TestHashingEmbedderNormalizedAndDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"Water the plant weekly", "water the PLANT weekly", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 64)
	assert.InDelta(t, 1.0, floats.Norm(vecs[0], 2), 1e-9)
	assert.Equal(t, vecs[0], vecs[1], "case-insensitive")
	assert.Zero(t, floats.Norm(vecs[2], 2))
}

func TestLocalIndexSearchAndPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewLocalIndex(dir, NewHashingEmbedder(256))
	require.NoError(t, err)

	_, err = idx.SimilaritySearch(ctx, "water", 3)
	assert.ErrorIs(t, err, ErrIndexNotInitialized)

	require.NoError(t, idx.AddDocuments(ctx, careDocs))
	got, err := idx.SimilaritySearch(ctx, "How often should I water my Monstera?", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "care-1", got[0].ID)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)

	// re-adding the same id replaces instead of duplicating
	require.NoError(t, idx.AddDocuments(ctx, careDocs[:1]))
	assert.Equal(t, 3, idx.Len())

	reopened, err := NewLocalIndex(dir, NewHashingEmbedder(256))
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())
	got, err = reopened.SimilaritySearch(ctx, "return policy", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "faq-1", got[0].ID)
	assert.Equal(t, "faq", got[0].Metadata["type"])
}

func TestLocalIndexRejectsForeignEmbedder(t *testing.T) {
	dir := t.TempDir()
	raw, _ := json.Marshal(localFile{Embedder: "openai:text-embedding-3-small", Entries: []localEntry{{ID: "x", Content: "x"}}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), raw, 0o600))

	_, err := NewLocalIndex(dir, NewHashingEmbedder(8))
	assert.Error(t, err)
}

func TestLocalIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()

	t.Run("reopen with another dimension", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := NewLocalIndex(dir, NewHashingEmbedder(384))
		require.NoError(t, err)
		require.NoError(t, idx.AddDocuments(ctx, careDocs))

		_, err = NewLocalIndex(dir, NewHashingEmbedder(64))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension 384")
	})

	t.Run("foreign vectors are skipped", func(t *testing.T) {
		dir := t.TempDir()
		emb := NewHashingEmbedder(64)
		vecs, err := emb.Embed(ctx, []string{careDocs[0].Content})
		require.NoError(t, err)
		raw, _ := json.Marshal(localFile{Embedder: emb.Name(), Entries: []localEntry{
			{ID: "stale", Content: "stale", Vector: []float64{1, 0, 0}},
			{ID: careDocs[0].ID, Content: careDocs[0].Content, Vector: vecs[0]},
		}})
		require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), raw, 0o600))

		idx, err := NewLocalIndex(dir, emb)
		require.NoError(t, err)
		got, err := idx.SimilaritySearch(ctx, "watering the Monstera", 3)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, careDocs[0].ID, got[0].ID)
	})

	t.Run("nothing comparable", func(t *testing.T) {
		dir := t.TempDir()
		raw, _ := json.Marshal(localFile{Embedder: "hashing", Entries: []localEntry{
			{ID: "stale", Content: "stale", Vector: []float64{1, 0, 0}},
		}})
		require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), raw, 0o600))

		idx, err := NewLocalIndex(dir, NewHashingEmbedder(64))
		require.NoError(t, err)
		_, err = idx.SimilaritySearch(ctx, "return policy", 3)
		assert.ErrorIs(t, err, ErrIndexNotInitialized)
	})
}

func TestLocalIndexHotReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reader, err := NewLocalIndex(dir, NewHashingEmbedder(128))
	require.NoError(t, err)
	require.NoError(t, reader.Watch())
	defer reader.Close()

	writer, err := NewLocalIndex(dir, NewHashingEmbedder(128))
	require.NoError(t, err)
	require.NoError(t, writer.AddDocuments(ctx, careDocs))

	assert.Eventually(t, func() bool { return reader.Len() == len(careDocs) }, 2*time.Second, 20*time.Millisecond)
}

func TestBM25IndexSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/kb/_search", r.URL.Path)
		var req esSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Size)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"a","_score":3.2,"_source":{"content":"Water weekly","metadata":{"type":"care"}}},
			{"_id":"b","_score":1.1,"_source":{"title":"Returns"}},
			{"_id":"c","_score":0.5,"_source":{}}
		]}}`))
	}))
	defer srv.Close()

	idx := &BM25Index{Endpoint: srv.URL, Index: "kb", Client: httpx.New(srv.Client(), httpx.Options{}), MaxTopK: 2}
	got, err := idx.SimilaritySearch(context.Background(), "water", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Water weekly", got[0].Content)
	assert.Equal(t, "care", got[0].Metadata["type"])
	assert.Equal(t, "Returns", got[1].Content)
}

func TestBM25IndexErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	idx := &BM25Index{Endpoint: srv.URL, Index: "kb", Client: httpx.New(srv.Client(), httpx.Options{})}
	_, err := idx.SimilaritySearch(context.Background(), "q", 3)
	assert.Error(t, err)

	_, err = (&BM25Index{}).SimilaritySearch(context.Background(), "q", 3)
	assert.ErrorIs(t, err, ErrIndexNotInitialized)
}

func TestBM25IndexAddDocuments(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		paths = append(paths, r.URL.EscapedPath())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	docs := append(careDocs[:2:2], Document{ID: "pots/recycled 100%", Content: "Recycled pots"})
	idx := &BM25Index{Endpoint: srv.URL, Index: "kb", Client: httpx.New(srv.Client(), httpx.Options{})}
	require.NoError(t, idx.AddDocuments(context.Background(), docs))
	assert.Equal(t, []string{"/kb/_doc/care-1", "/kb/_doc/faq-1", "/kb/_doc/pots%2Frecycled%20100%25"}, paths)
}

func TestPassagesFromMilvusResults(t *testing.T) {
	results := []client.SearchResult{{
		ResultCount: 2,
		IDs:         entity.NewColumnVarChar("id", []string{"a", "b"}),
		Fields: client.ResultSet{
			entity.NewColumnVarChar(milvusFieldContent, []string{"Water weekly", "Return within 30 days"}),
			entity.NewColumnJSONBytes(milvusFieldMetadata, [][]byte{[]byte(`{"type":"care"}`), []byte(`{}`)}),
		},
		Scores: []float32{0.9, 0.4},
	}}

	got, err := passagesFromResults(results)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "Water weekly", got[0].Content)
	assert.Equal(t, "care", got[0].Metadata["type"])
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)
}

func TestMilvusSchema(t *testing.T) {
	m, err := NewMilvusIndex(config.VectorDBConfig{Collection: "kb", MetricType: "cosine"}, NewHashingEmbedder(32))
	require.NoError(t, err)
	assert.Equal(t, entity.COSINE, m.metric)

	s := m.schema()
	assert.Equal(t, "kb", s.CollectionName)
	require.Len(t, s.Fields, 4)
	assert.True(t, s.Fields[0].PrimaryKey)
	assert.Equal(t, "32", s.Fields[3].TypeParams[entity.TypeParamDim])
}

func TestMilvusIndexRedialsAfterFailedConnect(t *testing.T) {
	now := time.Unix(0, 0)
	m, err := NewMilvusIndex(config.VectorDBConfig{Host: "milvus", Collection: "kb"}, NewHashingEmbedder(32))
	require.NoError(t, err)
	m.breaker = breaker.New(breaker.Options{
		Failures:   1,
		MinBackoff: time.Second,
		MaxBackoff: time.Second,
		Now:        func() time.Time { return now },
	})
	dials := 0
	m.dial = func(ctx context.Context, cfg client.Config) (client.Client, error) {
		dials++
		assert.NoError(t, ctx.Err())
		assert.Equal(t, "milvus:19530", cfg.Address)
		return nil, errors.New("connection refused")
	}

	// the request context is already gone; the dial must not inherit it
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.SimilaritySearch(reqCtx, "return policy", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, dials)

	_, err = m.SimilaritySearch(context.Background(), "return policy", 3)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 1, dials)

	now = now.Add(2 * time.Second)
	_, err = m.SimilaritySearch(context.Background(), "return policy", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, dials)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VectorDB.Path = t.TempDir()
	cfg.VectorDB.Watch = false

	idx, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", idx.Type())

	cfg.VectorDB.Provider = "bm25"
	cfg.VectorDB.Host = "es.internal"
	idx, err = New(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &BM25Index{}, idx)
	assert.True(t, strings.HasPrefix(idx.(*BM25Index).Endpoint, "http://es.internal:9200"))

	cfg.VectorDB.Provider = "none"
	idx, err = New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, idx)

	cfg.VectorDB.Provider = "faiss"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
