package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// ErrHTMLConversion indicates HTML conversion failed.
var ErrHTMLConversion = errors.New("HTML conversion failed")

// htmlTemplate wraps Goldmark's fragment output in a complete HTML5 document.
const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
%s
</body>
</html>`

const defaultTitle = "Document"

// Highlight placeholders use Unicode Private Use Area characters. They pass
// through Goldmark unchanged and become <mark> tags afterwards.
const (
	markStart = "\uE000"
	markEnd   = "\uE001"
)

var (
	crlfOrCR           = regexp.MustCompile(`\r\n?`)
	multipleBlankLines = regexp.MustCompile(`\n{3,}`)
	highlightPattern   = regexp.MustCompile(`==(.*?)==`)
	firstHeading       = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	htmlTag            = regexp.MustCompile(`<[^>]*>`)
	markReplacer       = strings.NewReplacer(markStart, "<mark>", markEnd, "</mark>")
)

// MarkdownConverter converts Markdown to a standalone HTML document.
type MarkdownConverter interface {
	ToHTML(ctx context.Context, content string) (string, error)
}

var _ MarkdownConverter = (*GoldmarkConverter)(nil)

// GoldmarkConverter converts Markdown to HTML using goldmark (pure Go).
// Raw HTML in the source is escaped; callers who need it send HTML instead.
type GoldmarkConverter struct {
	md goldmark.Markdown
}

// NewGoldmarkConverter creates a GoldmarkConverter with GFM extensions and syntax highlighting.
func NewGoldmarkConverter() *GoldmarkConverter {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Footnote,
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithXHTML(),
		),
	)
	return &GoldmarkConverter{md: md}
}

// ToHTML converts Markdown content to a standalone HTML5 document whose
// title is the first level-one heading.
// Goldmark doesn't take a context, so conversion runs in a goroutine.
func (c *GoldmarkConverter) ToHTML(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type result struct {
		html string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		var buf bytes.Buffer
		if err := c.md.Convert([]byte(preprocess(content)), &buf); err != nil {
			done <- result{err: fmt.Errorf("%w: %v", ErrHTMLConversion, err)}
			return
		}
		body := markReplacer.Replace(buf.String())
		done <- result{html: fmt.Sprintf(htmlTemplate, html.EscapeString(title(body)), body)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.html, r.err
	}
}

// preprocess normalizes line endings, turns ==text== into highlight
// placeholders and compresses runs of blank lines.
func preprocess(content string) string {
	content = crlfOrCR.ReplaceAllString(content, "\n")
	content = highlightPattern.ReplaceAllString(content, markStart+"$1"+markEnd)
	return multipleBlankLines.ReplaceAllString(content, "\n\n")
}

func title(body string) string {
	m := firstHeading.FindStringSubmatch(body)
	if m == nil {
		return defaultTitle
	}
	t := strings.TrimSpace(html.UnescapeString(htmlTag.ReplaceAllString(m[1], "")))
	if t == "" {
		return defaultTitle
	}
	return t
}
