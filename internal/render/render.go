// Copyright 2025 James Ross
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmlTemplate "html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	txtTemplate "text/template"
)

// ErrTemplateNotFound is returned when no template files exist for a name.
var ErrTemplateNotFound = errors.New("template not found")

// Rendered is the output of one template render.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer resolves a template name and context into mail bodies. A bad
// context never panics; it is reported as an error.
type Renderer interface {
	Render(name string, data map[string]any) (*Rendered, error)
}

// TemplateRenderer renders from a directory of template files. For a template
// "welcome" it looks for welcome.html.tmpl, welcome.txt.tmpl and
// welcome.subject.tmpl; any subset may exist.
type TemplateRenderer struct {
	dir string
}

func NewTemplateRenderer(dir string) *TemplateRenderer {
	return &TemplateRenderer{dir: dir}
}

func (r *TemplateRenderer) Render(name string, data map[string]any) (*Rendered, error) {
	if strings.ContainsAny(name, "/\\") {
		return nil, ErrTemplateNotFound
	}
	htmlPath := filepath.Join(r.dir, name+".html.tmpl")
	textPath := filepath.Join(r.dir, name+".txt.tmpl")
	subjectPath := filepath.Join(r.dir, name+".subject.tmpl")

	out := &Rendered{}
	found := false

	if src, err := os.ReadFile(htmlPath); err == nil {
		found = true
		t, err := htmlTemplate.New(name).Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", htmlPath, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", htmlPath, err)
		}
		out.HTML = buf.String()
	}

	if src, err := os.ReadFile(textPath); err == nil {
		found = true
		t, err := txtTemplate.New(name).Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", textPath, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", textPath, err)
		}
		out.Text = buf.String()
	}

	if src, err := os.ReadFile(subjectPath); err == nil {
		found = true
		t, err := txtTemplate.New(name).Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", subjectPath, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", subjectPath, err)
		}
		out.Subject = strings.TrimSpace(buf.String())
	}

	if !found {
		return nil, ErrTemplateNotFound
	}
	return out, nil
}

// Fallback builds a plain-text body from the raw context when the template is
// missing. Dispatch proceeds with it rather than failing the job.
func Fallback(subject string, data map[string]any) *Rendered {
	if subject == "" {
		subject = "(no subject)"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return &Rendered{Subject: subject, Text: b.String()}
}
