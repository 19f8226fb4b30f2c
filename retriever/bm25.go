package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/verdemuse/assistant/common/httpx"
)

// BM25Index queries an Elasticsearch-like backend using a multi_match.
// Endpoint example: http://es:9200
// Index example: verdemuse_kb
type BM25Index struct {
	Endpoint string
	Index    string
	Client   *httpx.Client
	MaxTopK  int
}

func (r *BM25Index) Type() string { return "bm25" }

type esSearchRequest struct {
	Size  int                    `json:"size"`
	Query map[string]interface{} `json:"query"`
}

type esHit struct {
	ID     string                 `json:"_id"`
	Score  float64                `json:"_score"`
	Source map[string]interface{} `json:"_source"`
}

type esHits struct {
	Hits []esHit `json:"hits"`
}

type esSearchResponse struct {
	Hits esHits `json:"hits"`
}

func (r *BM25Index) SimilaritySearch(ctx context.Context, query string, k int) ([]Passage, error) {
	if r.Endpoint == "" || r.Index == "" {
		return nil, ErrIndexNotInitialized
	}
	if k <= 0 {
		k = 3
	}
	if r.MaxTopK > 0 && r.MaxTopK < k {
		k = r.MaxTopK
	}
	q := esSearchRequest{
		Size: k,
		Query: map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"content^2", "title", "metadata.*"},
			},
		},
	}
	var out esSearchResponse
	if err := r.post(ctx, q, &out, "_search"); err != nil {
		return nil, err
	}
	passages := make([]Passage, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		content, _ := h.Source["content"].(string)
		if content == "" {
			content, _ = h.Source["title"].(string)
		}
		if content == "" {
			continue
		}
		meta, _ := h.Source["metadata"].(map[string]interface{})
		passages = append(passages, Passage{ID: h.ID, Content: content, Score: h.Score, Metadata: meta})
	}
	return passages, nil
}

// AddDocuments indexes docs one by one with their IDs as document ids.
func (r *BM25Index) AddDocuments(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		body := map[string]interface{}{"content": d.Content, "metadata": d.Metadata}
		if err := r.put(ctx, body, "_doc", url.PathEscape(d.ID)); err != nil {
			return fmt.Errorf("index document %s: %w", d.ID, err)
		}
	}
	return nil
}

// url joins already-escaped path segments onto the index URL.
func (r *BM25Index) url(segments ...string) (string, error) {
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return "", err
	}
	return u.JoinPath(append([]string{url.PathEscape(r.Index)}, segments...)...).String(), nil
}

func (r *BM25Index) post(ctx context.Context, in, out interface{}, segments ...string) error {
	return r.send(ctx, http.MethodPost, in, out, segments...)
}

func (r *BM25Index) put(ctx context.Context, in interface{}, segments ...string) error {
	return r.send(ctx, http.MethodPut, in, nil, segments...)
}

func (r *BM25Index) send(ctx context.Context, method string, in, out interface{}, segments ...string) error {
	if r.Client == nil {
		return fmt.Errorf("bm25 http client not configured")
	}
	target, err := r.url(segments...)
	if err != nil {
		return err
	}
	bs, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(bs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("bm25 http status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
