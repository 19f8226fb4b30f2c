// Package knowledge turns the product catalogue and FAQ into indexable
// documents.
package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/retriever"
)

//go:embed seed.yaml
var seed []byte

type Product struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	Category          string   `yaml:"category" json:"category"`
	Description       string   `yaml:"description" json:"description"`
	CareInstructions  string   `yaml:"care_instructions,omitempty" json:"care_instructions,omitempty"`
	UsageInstructions string   `yaml:"usage_instructions,omitempty" json:"usage_instructions,omitempty"`
	Benefits          []string `yaml:"benefits,omitempty" json:"benefits,omitempty"`
	Price             float64  `yaml:"price" json:"price"`
	Sustainability    string   `yaml:"sustainability,omitempty" json:"sustainability,omitempty"`
}

type FAQ struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

// Base is the whole knowledge base.
type Base struct {
	Products []Product `yaml:"products" json:"products"`
	FAQs     []FAQ     `yaml:"faqs" json:"faqs"`
}

// Seed returns the built-in VerdeMuse catalogue.
func Seed() (*Base, error) {
	return Parse(seed)
}

// Load reads a knowledge base file. An empty path selects the seed data.
func Load(path string) (*Base, error) {
	if path == "" {
		return Seed()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Base, error) {
	var kb Base
	if err := yaml.Unmarshal(raw, &kb); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	for i, p := range kb.Products {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("product %d: id and name are required", i)
		}
	}
	return &kb, nil
}

// Documents expands every product into one document per facet and every
// FAQ into a single question/answer document.
func Documents(kb *Base) []retriever.Document {
	var docs []retriever.Document
	for _, p := range kb.Products {
		docs = append(docs, retriever.Document{
			ID: p.ID + ":product",
			Content: fmt.Sprintf("Product Name: %s\nCategory: %s\nDescription: %s\nPrice: $%s",
				p.Name, p.Category, p.Description, strconv.FormatFloat(p.Price, 'f', -1, 64)),
			Metadata: map[string]interface{}{"type": "product", "id": p.ID, "category": p.Category},
		})
		if p.CareInstructions != "" {
			docs = append(docs, facet(p, "care_instructions", "Care Instructions for %s:\n%s", p.CareInstructions))
		}
		if p.UsageInstructions != "" {
			docs = append(docs, facet(p, "usage_instructions", "Usage Instructions for %s:\n%s", p.UsageInstructions))
		}
		if len(p.Benefits) > 0 {
			docs = append(docs, facet(p, "benefits", "Benefits of %s:\n%s", strings.Join(p.Benefits, ", ")))
		}
		if p.Sustainability != "" {
			docs = append(docs, facet(p, "sustainability", "Sustainability information for %s:\n%s", p.Sustainability))
		}
	}
	for i, f := range kb.FAQs {
		docs = append(docs, retriever.Document{
			ID:       fmt.Sprintf("faq-%03d", i+1),
			Content:  fmt.Sprintf("Q: %s\nA: %s", f.Question, f.Answer),
			Metadata: map[string]interface{}{"type": "faq"},
		})
	}
	return docs
}

func facet(p Product, kind, format, body string) retriever.Document {
	return retriever.Document{
		ID:       p.ID + ":" + kind,
		Content:  fmt.Sprintf(format, p.Name, body),
		Metadata: map[string]interface{}{"type": kind, "product_id": p.ID},
	}
}

// Ingest writes docs to w in batches.
func Ingest(ctx context.Context, w retriever.Writer, docs []retriever.Document, batch int) (int, error) {
	if batch <= 0 {
		batch = 32
	}
	written := 0
	for start := 0; start < len(docs); start += batch {
		end := start + batch
		if end > len(docs) {
			end = len(docs)
		}
		if err := w.AddDocuments(ctx, docs[start:end]); err != nil {
			return written, fmt.Errorf("ingest documents %d-%d: %w", start, end, err)
		}
		written = end
	}
	logger.Infof("ingested %d documents", written)
	return written, nil
}
