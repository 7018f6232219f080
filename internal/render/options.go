package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/errdefs"
)

// Page format constants.
const (
	FormatLetter  = "letter"
	FormatLegal   = "legal"
	FormatTabloid = "tabloid"
	FormatLedger  = "ledger"
	FormatA0      = "a0"
	FormatA1      = "a1"
	FormatA2      = "a2"
	FormatA3      = "a3"
	FormatA4      = "a4"
	FormatA5      = "a5"
	FormatA6      = "a6"
)

// Orientation constants.
const (
	OrientationPortrait  = "portrait"
	OrientationLandscape = "landscape"
)

// Scale bounds. Out-of-range values are clamped, not rejected.
const (
	MinScale     = 0.1
	MaxScale     = 2.0
	DefaultScale = 1.0
)

// DefaultMargin applies to every side unless overridden.
const DefaultMargin = "10mm"

// paperSizes maps formats to portrait width x height in inches.
var paperSizes = map[string][2]float64{
	FormatLetter:  {8.5, 11},
	FormatLegal:   {8.5, 14},
	FormatTabloid: {11, 17},
	FormatLedger:  {17, 11},
	FormatA0:      {33.1, 46.8},
	FormatA1:      {23.4, 33.1},
	FormatA2:      {16.54, 23.4},
	FormatA3:      {11.7, 16.54},
	FormatA4:      {8.27, 11.7},
	FormatA5:      {5.83, 8.27},
	FormatA6:      {4.13, 5.83},
}

// inchesPer maps CSS length units to their size in inches.
var inchesPer = map[string]float64{
	"in": 1,
	"cm": 1 / 2.54,
	"mm": 1 / 25.4,
	"px": 1.0 / 96,
	"pt": 1.0 / 72,
}

// Margins are CSS lengths ("1cm", "0.5in", "12px"). A bare number is pixels.
type Margins struct {
	Top    string `json:"top,omitempty" yaml:"top,omitempty"`
	Right  string `json:"right,omitempty" yaml:"right,omitempty"`
	Bottom string `json:"bottom,omitempty" yaml:"bottom,omitempty"`
	Left   string `json:"left,omitempty" yaml:"left,omitempty"`
}

// Options are the caller-facing rendering options. Every recognized option
// is a field; zero values are filled from defaults by Merge.
type Options struct {
	Format              string   `json:"format,omitempty" yaml:"format,omitempty"`
	Orientation         string   `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	PrintBackground     *bool    `json:"printBackground,omitempty" yaml:"printBackground,omitempty"`
	Scale               *float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Margin              Margins  `json:"margin,omitempty" yaml:"margin,omitempty"`
	DisplayHeaderFooter bool     `json:"displayHeaderFooter,omitempty" yaml:"displayHeaderFooter,omitempty"`
	HeaderTemplate      string   `json:"headerTemplate,omitempty" yaml:"headerTemplate,omitempty"`
	FooterTemplate      string   `json:"footerTemplate,omitempty" yaml:"footerTemplate,omitempty"`
	PageRanges          string   `json:"pageRanges,omitempty" yaml:"pageRanges,omitempty"`
	PreferCSSPageSize   bool     `json:"preferCSSPageSize,omitempty" yaml:"preferCSSPageSize,omitempty"`
	WaitUntil           string   `json:"waitUntil,omitempty" yaml:"waitUntil,omitempty"`
}

// Defaults returns the documented default options: A4 portrait, 10mm
// margins, backgrounds printed, scale 1, wait for the load event.
func Defaults() Options {
	bg := true
	scale := DefaultScale
	return Options{
		Format:          FormatA4,
		Orientation:     OrientationPortrait,
		PrintBackground: &bg,
		Scale:           &scale,
		Margin: Margins{
			Top:    DefaultMargin,
			Right:  DefaultMargin,
			Bottom: DefaultMargin,
			Left:   DefaultMargin,
		},
		WaitUntil: string(engine.WaitLoad),
	}
}

// Merge returns o with every unset field taken from def. Margins merge per
// side. Boolean switches (DisplayHeaderFooter, PreferCSSPageSize) are
// opt-in and never inherited as false.
func (o Options) Merge(def Options) Options {
	if o.Format == "" {
		o.Format = def.Format
	}
	if o.Orientation == "" {
		o.Orientation = def.Orientation
	}
	if o.PrintBackground == nil {
		o.PrintBackground = def.PrintBackground
	}
	if o.Scale == nil {
		o.Scale = def.Scale
	}
	o.Margin.Top = firstNonEmpty(o.Margin.Top, def.Margin.Top)
	o.Margin.Right = firstNonEmpty(o.Margin.Right, def.Margin.Right)
	o.Margin.Bottom = firstNonEmpty(o.Margin.Bottom, def.Margin.Bottom)
	o.Margin.Left = firstNonEmpty(o.Margin.Left, def.Margin.Left)
	o.DisplayHeaderFooter = o.DisplayHeaderFooter || def.DisplayHeaderFooter
	if o.HeaderTemplate == "" {
		o.HeaderTemplate = def.HeaderTemplate
	}
	if o.FooterTemplate == "" {
		o.FooterTemplate = def.FooterTemplate
	}
	if o.PageRanges == "" {
		o.PageRanges = def.PageRanges
	}
	o.PreferCSSPageSize = o.PreferCSSPageSize || def.PreferCSSPageSize
	if o.WaitUntil == "" {
		o.WaitUntil = def.WaitUntil
	}
	return o
}

// Validate checks every option value. Scale is only checked for being a
// finite number; range is enforced by clamping in Resolve.
func (o Options) Validate() error {
	if o.Format != "" {
		if _, ok := paperSizes[strings.ToLower(o.Format)]; !ok {
			return fmt.Errorf("%w: unknown format %q", errdefs.ErrInvalidOptions, o.Format)
		}
	}
	switch strings.ToLower(o.Orientation) {
	case "", OrientationPortrait, OrientationLandscape:
	default:
		return fmt.Errorf("%w: unknown orientation %q (must be portrait or landscape)",
			errdefs.ErrInvalidOptions, o.Orientation)
	}
	if o.Scale != nil && (math.IsNaN(*o.Scale) || math.IsInf(*o.Scale, 0)) {
		return fmt.Errorf("%w: scale must be a finite number", errdefs.ErrInvalidOptions)
	}
	sides := []struct{ name, v string }{
		{"top", o.Margin.Top},
		{"right", o.Margin.Right},
		{"bottom", o.Margin.Bottom},
		{"left", o.Margin.Left},
	}
	for _, s := range sides {
		if s.v == "" {
			continue
		}
		if _, err := ParseLength(s.v); err != nil {
			return fmt.Errorf("%w: margin %s: %v", errdefs.ErrInvalidOptions, s.name, err)
		}
	}
	if _, err := engine.ParseWaitCondition(o.WaitUntil); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidOptions, err)
	}
	return nil
}

// Resolve validates o and converts it to engine parameters. Call it on
// merged options: unset fields resolve to zero.
func (o Options) Resolve() (engine.PDFOptions, engine.WaitCondition, error) {
	if err := o.Validate(); err != nil {
		return engine.PDFOptions{}, "", err
	}

	var pdf engine.PDFOptions
	if o.Format != "" {
		size := paperSizes[strings.ToLower(o.Format)]
		pdf.PaperWidth, pdf.PaperHeight = size[0], size[1]
	}
	pdf.Landscape = strings.EqualFold(o.Orientation, OrientationLandscape)
	pdf.PrintBackground = o.PrintBackground != nil && *o.PrintBackground
	if o.Scale != nil {
		pdf.Scale = ClampScale(*o.Scale)
	}
	pdf.MarginTop = mustLength(o.Margin.Top)
	pdf.MarginRight = mustLength(o.Margin.Right)
	pdf.MarginBottom = mustLength(o.Margin.Bottom)
	pdf.MarginLeft = mustLength(o.Margin.Left)

	// Templates are only honored with header/footer display on
	if o.DisplayHeaderFooter {
		pdf.DisplayHeaderFooter = true
		pdf.HeaderTemplate = o.HeaderTemplate
		pdf.FooterTemplate = o.FooterTemplate
	}
	pdf.PageRanges = o.PageRanges
	pdf.PreferCSSPageSize = o.PreferCSSPageSize

	wait, _ := engine.ParseWaitCondition(o.WaitUntil)
	return pdf, wait, nil
}

// ClampScale limits s to [MinScale, MaxScale].
func ClampScale(s float64) float64 {
	return math.Min(MaxScale, math.Max(MinScale, s))
}

// ParseLength converts a CSS length to inches. Supported units: in, cm, mm,
// px, pt. A bare number is pixels. Negative lengths are rejected.
func ParseLength(s string) (float64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty length")
	}

	unit := "px"
	for u := range inchesPer {
		if num, ok := strings.CutSuffix(v, u); ok {
			v, unit = strings.TrimSpace(num), u
			break
		}
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid length %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length %q", s)
	}
	return n * inchesPer[unit], nil
}

func mustLength(s string) float64 {
	if s == "" {
		return 0
	}
	n, _ := ParseLength(s)
	return n
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
