package pipeline

import (
	"context"
	"fmt"

	"github.com/alnah/go-pdfgate/internal/errdefs"
)

// PrintCSS is applied to documents converted from Markdown. Caller CSS is
// injected after it and wins on conflicts.
const PrintCSS = `html{font-family:-apple-system,"Segoe UI",Helvetica,Arial,sans-serif;font-size:11pt;line-height:1.5;color:#1a1a1a}
body{margin:0}
h1,h2,h3,h4{line-height:1.25;page-break-after:avoid;break-after:avoid}
h1{font-size:2em}h2{font-size:1.5em}h3{font-size:1.25em}
p,li{orphans:3;widows:3}
a{color:#0b5cad;text-decoration:none}
pre,blockquote,table,img{page-break-inside:avoid;break-inside:avoid}
pre{background:#f6f8fa;padding:.75em 1em;border-radius:4px;font-size:.85em;white-space:pre-wrap}
code{font-family:"SFMono-Regular",Consolas,Menlo,monospace}
table{border-collapse:collapse;width:100%}
th,td{border:1px solid #d0d7de;padding:.35em .6em;text-align:left}
blockquote{margin:0;padding-left:1em;border-left:3px solid #d0d7de;color:#57606a}
img{max-width:100%}
mark{background:#fff3a3}
`

// Input is the document part of a generation request.
type Input struct {
	HTML     string
	Markdown string
	CSS      string
}

// Preparer builds the HTML handed to the renderer.
type Preparer struct {
	md  MarkdownConverter
	css CSSInjector
}

// NewPreparer returns a Preparer using Goldmark and <style> injection.
func NewPreparer() *Preparer {
	return &Preparer{md: NewGoldmarkConverter(), css: &CSSInjection{}}
}

// Prepare returns the final HTML for in. HTML and Markdown are mutually
// exclusive. An input with neither is returned as empty HTML so the
// orchestrator reports the empty document.
func (p *Preparer) Prepare(ctx context.Context, in Input) (string, error) {
	if in.HTML != "" && in.Markdown != "" {
		return "", fmt.Errorf("%w: html and markdown are mutually exclusive", errdefs.ErrInvalidOptions)
	}

	doc := in.HTML
	if in.Markdown != "" {
		converted, err := p.md.ToHTML(ctx, in.Markdown)
		if err != nil {
			return "", err
		}
		doc = p.css.InjectCSS(ctx, converted, PrintCSS)
	}
	if doc == "" {
		return "", nil
	}
	return p.css.InjectCSS(ctx, doc, in.CSS), nil
}
