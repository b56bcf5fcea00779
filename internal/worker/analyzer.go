package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/peritoai/periti/internal/models"
)

// Analysis is the result of analyzing a document.
type Analysis struct {
	Summary string
	Model   string
}

// Analyzer extracts a summary from a stored document. Implementations typically call an
// external service.
type Analyzer interface {
	Analyze(ctx context.Context, doc *models.Document) (Analysis, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, doc *models.Document) (Analysis, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, doc *models.Document) (Analysis, error) {
	return f(ctx, doc)
}

// MetadataAnalyzer describes a document from its metadata alone. It is the analyzer used
// when no external service is configured.
type MetadataAnalyzer struct{}

// Analyze summarizes the document's type, size and origin.
func (MetadataAnalyzer) Analyze(_ context.Context, doc *models.Document) (Analysis, error) {
	kind := "document"
	switch {
	case strings.HasPrefix(doc.ContentType, "image/"):
		kind = "photo"
	case doc.ContentType == "application/pdf":
		kind = "PDF document"
	case strings.EqualFold(filepath.Ext(doc.Filename), ".eml"):
		kind = "email message"
	}

	summary := fmt.Sprintf("%s %q, %d bytes", kind, doc.Filename, doc.SizeBytes)
	if doc.Source == models.DocumentSourceEmail {
		summary += ", received by email"
	}

	return Analysis{Summary: summary, Model: "metadata"}, nil
}
