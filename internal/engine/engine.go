// Package engine describes the rendering-engine capability the pool and the
// orchestrator consume, and provides the go-rod (headless Chrome) engine.
package engine

import (
	"context"
	"fmt"
	"strings"
)

// Engine opens pages. One engine backs exactly one session pool.
type Engine interface {
	OpenPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single warm browser page able to render one document at a time.
type Page interface {
	SetContent(ctx context.Context, html string, wait WaitCondition) error
	RenderPDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Close() error
}

// WaitCondition selects when document content counts as loaded.
type WaitCondition string

// Wait conditions.
const (
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitLoad             WaitCondition = "load"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// ParseWaitCondition validates a wait condition name (case-insensitive).
// The empty string maps to WaitLoad.
func ParseWaitCondition(s string) (WaitCondition, error) {
	switch WaitCondition(strings.ToLower(s)) {
	case "", WaitLoad:
		return WaitLoad, nil
	case WaitDOMContentLoaded:
		return WaitDOMContentLoaded, nil
	case WaitNetworkIdle:
		return WaitNetworkIdle, nil
	}
	return "", fmt.Errorf("unknown wait condition %q (must be load, domcontentloaded, or networkidle)", s)
}

// PDFOptions are engine-level print parameters. Lengths are in inches.
type PDFOptions struct {
	PaperWidth          float64
	PaperHeight         float64
	Landscape           bool
	PrintBackground     bool
	Scale               float64
	MarginTop           float64
	MarginRight         float64
	MarginBottom        float64
	MarginLeft          float64
	DisplayHeaderFooter bool
	HeaderTemplate      string
	FooterTemplate      string
	PageRanges          string
	PreferCSSPageSize   bool
}
