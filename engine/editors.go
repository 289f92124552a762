package engine

import (
	"errors"
	"strings"
)

// EditorShape describes how to find the editable surface of one rich-text
// editor family. Shapes are tried in order.
type EditorShape struct {
	Name string
	// Detect gates the shape on page evidence. Nil means "Container matches".
	Detect Detector
	// Container selects the editor's outer element.
	Container string
	// Frame, when set, selects the in-memory frame inside Container that
	// holds the surface.
	Frame string
	// Surface selects the editable element inside Container (or the frame
	// content). Empty means Container itself.
	Surface string
}

// DefaultEditors is the built-in strategy table.
func DefaultEditors() []EditorShape {
	return []EditorShape{
		{
			Name:      "tinymce",
			Detect:    Any(HasSelector(".tox-tinymce, .mce-tinymce"), MarkupContains("tinymce")),
			Container: ".tox-tinymce, .mce-tinymce",
			Frame:     "iframe",
			Surface:   "body",
		},
		{
			Name:      "ckeditor4",
			Container: ".cke",
			Frame:     "iframe.cke_wysiwyg_frame",
			Surface:   "body",
		},
		{Name: "ckeditor5", Container: ".ck-editor", Surface: ".ck-editor__editable"},
		{Name: "quill", Container: ".ql-container", Surface: ".ql-editor"},
		{Name: "prosemirror", Container: ".ProseMirror"},
		{Name: "draftjs", Container: ".DraftEditor-root", Surface: ".public-DraftEditor-content"},
		{Name: "trix", Container: "trix-editor"},
	}
}

// EditorConfig is the YAML form of an extra editor shape.
type EditorConfig struct {
	Name      string   `yaml:"name" json:"name"`
	Container string   `yaml:"container" json:"container"`
	Frame     string   `yaml:"frame" json:"frame,omitempty"`
	Surface   string   `yaml:"surface" json:"surface,omitempty"`
	DetectSel string   `yaml:"detect_selector" json:"detect_selector,omitempty"`
	DetectIn  []string `yaml:"detect_markup" json:"detect_markup,omitempty"`
}

// Shape converts c into an EditorShape.
func (c EditorConfig) Shape() (EditorShape, error) {
	if strings.TrimSpace(c.Container) == "" {
		return EditorShape{}, errors.New("engine: editor shape: container selector required")
	}
	s := EditorShape{Name: c.Name, Container: c.Container, Frame: c.Frame, Surface: c.Surface}
	if s.Name == "" {
		s.Name = c.Container
	}
	var ds []Detector
	if c.DetectSel != "" {
		ds = append(ds, HasSelector(c.DetectSel))
	}
	if len(c.DetectIn) > 0 {
		ds = append(ds, MarkupContains(c.DetectIn...))
	}
	if len(ds) > 0 {
		s.Detect = Any(ds...)
	}
	return s, nil
}

func (s EditorShape) detected(p *Scan) bool {
	if s.Detect != nil {
		return s.Detect(p)
	}
	return HasSelector(s.Container)(p)
}
