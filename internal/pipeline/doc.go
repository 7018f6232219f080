// Package pipeline turns a generation request's inputs into the single HTML
// document handed to the renderer.
//
// Stages:
//   - Markdown preprocessing (line normalization, ==highlight== syntax)
//   - Markdown to HTML conversion via Goldmark, with the default print stylesheet
//   - Caller CSS injection into <head>
//
// Page layout (format, margins, headers) is not handled here; it belongs to
// the render options applied by the browser.
package pipeline
