// Package markdown turns a markdown note into the HTML and metadata that
// Reader's save endpoint accepts.
package markdown

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// StringList accepts either a YAML sequence or a comma-separated scalar.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var out StringList

		for _, s := range strings.Split(node.Value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}

		*l = out

		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}

		*l = items

		return nil
	default:
		return fmt.Errorf("tags must be a list or a comma-separated string")
	}
}

// Frontmatter holds the recognised YAML frontmatter fields.
type Frontmatter struct {
	Title         string     `yaml:"title"`
	Author        string     `yaml:"author"`
	Summary       string     `yaml:"summary"`
	Tags          StringList `yaml:"tags"`
	URL           string     `yaml:"url"`
	PublishedDate string     `yaml:"published_date"`
	ImageURL      string     `yaml:"image_url"`
}

// Document is a rendered markdown note.
type Document struct {
	Frontmatter

	// HTML is the rendered body, frontmatter excluded.
	HTML string
	// Heading is the text of the first level-1 heading, if any.
	Heading string
}

// DisplayTitle returns the frontmatter title, falling back to the first
// level-1 heading.
func (d Document) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}

	return d.Heading
}

var (
	mdOnce sync.Once
	md     goldmark.Markdown
)

func converter() goldmark.Markdown {
	mdOnce.Do(func() {
		md = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Footnote,
			),
		)
	})

	return md
}

// splitFrontmatter separates a leading "---" delimited YAML block from the
// body. ok is false when src has no frontmatter, in which case body is src.
func splitFrontmatter(src []byte) (block, body []byte, ok bool) {
	if !bytes.HasPrefix(src, []byte("---")) {
		return nil, src, false
	}

	// The opening delimiter must be alone on its line ("---\n" or "---\r\n").
	rest := src[3:]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 || strings.TrimSpace(string(rest[:idx])) != "" {
		return nil, src, false
	}

	rest = rest[idx+1:]

	// An empty block closes on the very next line.
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, skipLine(rest), true
	}

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, src, false
	}

	return rest[:end], skipLine(rest[end+1:]), true
}

// skipLine drops everything up to and including the first newline.
func skipLine(b []byte) []byte {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return nil
	}

	return b[idx+1:]
}

// Render parses optional YAML frontmatter and converts the body to HTML
// using GitHub Flavored Markdown.
func Render(src []byte) (Document, error) {
	var doc Document

	block, body, ok := splitFrontmatter(src)
	if ok && len(bytes.TrimSpace(block)) > 0 {
		if err := yaml.Unmarshal(block, &doc.Frontmatter); err != nil {
			return Document{}, fmt.Errorf("parsing frontmatter: %w", err)
		}
	}

	m := converter()
	root := m.Parser().Parse(text.NewReader(body))
	doc.Heading = firstHeading(root, body)

	var buf bytes.Buffer
	if err := m.Renderer().Render(&buf, body, root); err != nil {
		return Document{}, fmt.Errorf("rendering markdown: %w", err)
	}

	doc.HTML = buf.String()

	return doc, nil
}

func firstHeading(root ast.Node, source []byte) string {
	var title string

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 1 {
			return ast.WalkContinue, nil
		}

		var sb strings.Builder

		_ = ast.Walk(h, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
			if t, ok := c.(*ast.Text); ok && entering {
				sb.Write(t.Segment.Value(source))
			}

			return ast.WalkContinue, nil
		})

		title = strings.TrimSpace(sb.String())

		return ast.WalkStop, nil
	})

	return title
}
