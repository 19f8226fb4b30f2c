package retriever

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
)

// New builds the document index selected by cfg.VectorDB. A nil Index with
// a nil error means retrieval is disabled.
func New(cfg *config.Config, hc *httpx.Client) (Index, error) {
	provider := strings.ToLower(cfg.VectorDB.Provider)
	if provider == "" || provider == "none" {
		return nil, nil
	}

	if provider == "bm25" {
		return &BM25Index{
			Endpoint: bm25Endpoint(cfg.VectorDB),
			Index:    cfg.VectorDB.Collection,
			Client:   hc,
			MaxTopK:  cfg.Retriever.TopK,
		}, nil
	}

	emb, err := NewEmbedder(cfg.Embedding, hc)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "local":
		idx, err := NewLocalIndex(cfg.VectorDB.Path, emb)
		if err != nil {
			return nil, err
		}
		if cfg.VectorDB.Watch {
			if err := idx.Watch(); err != nil {
				logger.Warnf("local index hot reload disabled: %v", err)
			}
		}
		return idx, nil
	case "milvus":
		return NewMilvusIndex(cfg.VectorDB, emb)
	default:
		return nil, fmt.Errorf("unknown vectordb provider %q", cfg.VectorDB.Provider)
	}
}

func bm25Endpoint(cfg config.VectorDBConfig) string {
	if strings.Contains(cfg.Host, "://") {
		return cfg.Host
	}
	port := cfg.Port
	if port == 0 {
		port = 9200
	}
	u := url.URL{Scheme: "http", Host: cfg.Host + ":" + strconv.Itoa(port)}
	return u.String()
}
