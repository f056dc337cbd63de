// Package render turns raw reply text into the markup shown in a widget.
//
// The transform is a fixed sequence of text rules: emphasis, then paragraph and line
// structure (with bullet lists), then image placeholders. It must run exactly once per
// message; feeding its output back in would wrap paragraphs twice.
package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"
	mdhtml "github.com/gomarkdown/markdown/html"
)

var (
	boldPattern      = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicPattern    = regexp.MustCompile(`\*(.*?)\*`)
	mdImagePattern   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	bareImagePattern = regexp.MustCompile(`(?i)https?://[^\s<>"]+\.(?:jpg|jpeg|png|gif|webp|svg)`)
)

const defaultImageAlt = "Image"

// Image is a placeholder emitted into the markup. URL and Alt are unescaped.
type Image struct {
	ID  string
	URL string
	Alt string
}

// Result is the markup for one message plus the placeholders that still need loading.
type Result struct {
	HTML   string
	Images []Image
}

// Renderer holds the placeholder id source.
type Renderer struct {
	newID func() string
}

// New returns a Renderer; a nil idFunc uses random "img_<uuid>" ids.
func New(idFunc func() string) *Renderer {
	if idFunc == nil {
		idFunc = func() string { return "img_" + uuid.NewString() }
	}
	return &Renderer{newID: idFunc}
}

var defaultRenderer = New(nil)

// Render runs the default renderer.
func Render(text string) Result {
	return defaultRenderer.Render(text)
}

// Render converts raw text to display markup.
func (r *Renderer) Render(text string) Result {
	out := escape(text)

	out = boldPattern.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicPattern.ReplaceAllString(out, "<em>$1</em>")

	out = structure(out)

	var images []Image
	out = mdImagePattern.ReplaceAllStringFunc(out, func(match string) string {
		groups := mdImagePattern.FindStringSubmatch(match)
		img := r.placeholder(groups[2], groups[1])
		images = append(images, img)
		return placeholderMarkup(img.ID)
	})
	out = bareImagePattern.ReplaceAllStringFunc(out, func(match string) string {
		img := r.placeholder(match, defaultImageAlt)
		images = append(images, img)
		return placeholderMarkup(img.ID)
	})

	return Result{HTML: out, Images: images}
}

func (r *Renderer) placeholder(escapedURL, escapedAlt string) Image {
	return Image{
		ID:  r.newID(),
		URL: html.UnescapeString(escapedURL),
		Alt: html.UnescapeString(escapedAlt),
	}
}

func escape(text string) string {
	var buf bytes.Buffer
	mdhtml.EscapeHTML(&buf, []byte(text))
	return buf.String()
}

// structure splits paragraphs on blank lines and lines on single newlines. Runs of
// lines starting with "- " become one list.
func structure(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	for i, p := range paragraphs {
		paragraphs[i] = formatLines(strings.Split(p, "\n"))
	}
	return "<p>" + strings.Join(paragraphs, "</p><p>") + "</p>"
}

func formatLines(lines []string) string {
	var b strings.Builder
	inList := false
	for i, line := range lines {
		if item, ok := strings.CutPrefix(line, "- "); ok {
			if !inList {
				b.WriteString("<ul>")
				inList = true
			}
			b.WriteString("<li>")
			b.WriteString(item)
			b.WriteString("</li>")
			continue
		}
		if inList {
			b.WriteString("</ul>")
			inList = false
		} else if i > 0 {
			b.WriteString("<br>")
		}
		b.WriteString(line)
	}
	if inList {
		b.WriteString("</ul>")
	}
	return b.String()
}

func placeholderMarkup(id string) string {
	return fmt.Sprintf(`<div class="message-image" id="%s"><div class="image-loading"><i class="fas fa-spinner fa-spin"></i> Loading image...</div></div>`, html.EscapeString(id))
}

// ImageMarkup replaces a placeholder whose image loaded.
func ImageMarkup(url, alt string) string {
	return fmt.Sprintf(`<img src="%s" alt="%s" loading="lazy">`, html.EscapeString(url), html.EscapeString(alt))
}

// ImageErrorMarkup replaces a placeholder whose image failed to load.
func ImageErrorMarkup() string {
	return `<div class="image-error"><i class="fas fa-exclamation-triangle"></i> Failed to load image</div>`
}
