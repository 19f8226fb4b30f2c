package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
)

const (
	milvusFieldID       = "id"
	milvusFieldContent  = "content"
	milvusFieldMetadata = "metadata"
	milvusFieldVector   = "vector"

	milvusDialTimeout = 10 * time.Second
)

// MilvusIndex searches a Milvus collection of embedded passages.
type MilvusIndex struct {
	cfg      config.VectorDBConfig
	embedder Embedder
	metric   entity.MetricType

	mu      sync.Mutex
	cli     client.Client
	breaker *breaker.Breaker
	dial    func(ctx context.Context, cfg client.Config) (client.Client, error)
}

// NewMilvusIndex prepares a Milvus-backed index. The connection is opened
// on first use.
func NewMilvusIndex(cfg config.VectorDBConfig, embedder Embedder) (*MilvusIndex, error) {
	if embedder.Dimension() <= 0 {
		return nil, fmt.Errorf("milvus index: embedder %s has no fixed dimension", embedder.Name())
	}
	return &MilvusIndex{
		cfg:      cfg,
		embedder: embedder,
		metric:   metricType(cfg.MetricType),
		breaker: breaker.New(breaker.Options{
			Failures:   1,
			MinBackoff: time.Second,
			MaxBackoff: time.Minute,
			Jitter:     0.2,
			OnStateChange: func(from, to breaker.State) {
				logger.Warnf("milvus index: connection circuit %s -> %s", from, to)
			},
		}),
		dial: client.NewClient,
	}, nil
}

func (m *MilvusIndex) Type() string { return "milvus" }

func metricType(s string) entity.MetricType {
	switch strings.ToUpper(s) {
	case "L2":
		return entity.L2
	case "COSINE":
		return entity.COSINE
	default:
		return entity.IP
	}
}

// conn returns the shared client, dialing on first use. A failed dial is
// retried on a later call once the breaker admits a trial call. The dial is not
// bound to the caller's context so an abandoned request cannot poison it.
func (m *MilvusIndex) conn() (client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli != nil {
		return m.cli, nil
	}
	err := m.breaker.Do(func() error {
		port := m.cfg.Port
		if port == 0 {
			port = 19530
		}
		ctx, cancel := context.WithTimeout(context.Background(), milvusDialTimeout)
		defer cancel()
		cli, err := m.dial(ctx, client.Config{
			Address:  net.JoinHostPort(m.cfg.Host, strconv.Itoa(port)),
			Username: m.cfg.Username,
			Password: m.cfg.Password,
			DBName:   m.cfg.Database,
		})
		if err != nil {
			return err
		}
		m.cli = cli
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return m.cli, nil
}

func (m *MilvusIndex) schema() *entity.Schema {
	return entity.NewSchema().
		WithName(m.cfg.Collection).
		WithDescription("VerdeMuse knowledge base passages").
		WithField(entity.NewField().WithName(milvusFieldID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(256)).
		WithField(entity.NewField().WithName(milvusFieldContent).WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192)).
		WithField(entity.NewField().WithName(milvusFieldMetadata).WithDataType(entity.FieldTypeJSON)).
		WithField(entity.NewField().WithName(milvusFieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.embedder.Dimension())))
}

// ensureCollection creates, indexes and loads the collection when missing.
func (m *MilvusIndex) ensureCollection(ctx context.Context, cli client.Client) error {
	has, err := cli.HasCollection(ctx, m.cfg.Collection)
	if err != nil {
		return fmt.Errorf("milvus has collection: %w", err)
	}
	if !has {
		if err := cli.CreateCollection(ctx, m.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("milvus create collection: %w", err)
		}
		idx, err := entity.NewIndexHNSW(m.metric, 8, 64)
		if err != nil {
			return err
		}
		if err := cli.CreateIndex(ctx, m.cfg.Collection, milvusFieldVector, idx, false); err != nil {
			return fmt.Errorf("milvus create index: %w", err)
		}
		logger.Infof("milvus collection %s created", m.cfg.Collection)
	}
	return cli.LoadCollection(ctx, m.cfg.Collection, false)
}

func (m *MilvusIndex) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	cli, err := m.conn()
	if err != nil {
		return err
	}
	if err := m.ensureCollection(ctx, cli); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	ids := make([]string, len(docs))
	contents := make([]string, len(docs))
	metas := make([][]byte, len(docs))
	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		contents[i] = d.Content
		if metas[i], err = json.Marshal(d.Metadata); err != nil {
			return err
		}
		vectors[i] = toFloat32(vecs[i])
	}

	_, err = cli.Insert(ctx, m.cfg.Collection, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldContent, contents),
		entity.NewColumnJSONBytes(milvusFieldMetadata, metas),
		entity.NewColumnFloatVector(milvusFieldVector, m.embedder.Dimension(), vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus insert: %w", err)
	}
	return cli.Flush(ctx, m.cfg.Collection, false)
}

func (m *MilvusIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 3
	}
	cli, err := m.conn()
	if err != nil {
		return nil, err
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, err
	}
	results, err := cli.Search(ctx, m.cfg.Collection, nil, "",
		[]string{milvusFieldContent, milvusFieldMetadata},
		[]entity.Vector{entity.FloatVector(toFloat32(vecs[0]))},
		milvusFieldVector, m.metric, k, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}
	return passagesFromResults(results)
}

func passagesFromResults(results []client.SearchResult) ([]Passage, error) {
	var out []Passage
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		contentCol := r.Fields.GetColumn(milvusFieldContent)
		metaCol := r.Fields.GetColumn(milvusFieldMetadata)
		for i := 0; i < r.ResultCount; i++ {
			p := Passage{}
			if r.IDs != nil {
				p.ID, _ = r.IDs.GetAsString(i)
			}
			if contentCol != nil {
				p.Content, _ = contentCol.GetAsString(i)
			}
			if jc, ok := metaCol.(*entity.ColumnJSONBytes); ok {
				if raw, err := jc.ValueByIdx(i); err == nil && len(raw) > 0 {
					_ = json.Unmarshal(raw, &p.Metadata)
				}
			}
			if i < len(r.Scores) {
				p.Score = float64(r.Scores[i])
			}
			if p.Content != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func (m *MilvusIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cli == nil {
		return nil
	}
	err := m.cli.Close()
	m.cli = nil
	return err
}
