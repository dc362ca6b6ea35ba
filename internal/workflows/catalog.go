// Package workflows manages the named-workflow catalog and the checks run on
// a workflow before it is synced to a loop.
package workflows

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Catalog errors.
var (
	ErrInvalidName      = errors.New("invalid_name")
	ErrWorkflowNotFound = errors.New("not_found")
)

// Entry is one listed workflow.
type Entry struct {
	Name    string  `json:"name"`
	Feature string  `json:"feature"`
	Profile Profile `json:"profile"`
}

// Document is a loaded workflow file. Workflow holds the editor graph and
// Prompt the executable node map; either may be empty.
type Document struct {
	Name     string          `json:"name"`
	Feature  string          `json:"feature"`
	Profile  Profile         `json:"profile"`
	Workflow json.RawMessage `json:"workflow,omitempty"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
}

// Catalog lists and loads feature-scoped workflow files
// (<feature>/.../<name>.json) below a root directory.
type Catalog struct {
	root string
}

// NewCatalog creates a catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{root: dir}
}

// Root returns the catalog directory.
func (c *Catalog) Root() string {
	return c.root
}

// IsFeatureScoped reports whether name has at least a feature directory and
// a .json file name, with no dot segments.
func IsFeatureScoped(name string) bool {
	parts := splitName(strings.Trim(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"), "/"))
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "." || part == ".." {
			return false
		}
	}
	return strings.HasSuffix(strings.ToLower(parts[len(parts)-1]), ".json")
}

// CleanName validates a requested workflow name and returns its canonical
// slash-separated form.
func CleanName(name string) (string, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	if raw == "" || strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") {
		return "", ErrInvalidName
	}

	var parts []string
	for _, part := range splitName(raw) {
		switch part {
		case ".":
			continue
		case "..":
			return "", ErrInvalidName
		}
		parts = append(parts, part)
	}
	joined := strings.Join(parts, "/")
	if !IsFeatureScoped(joined) {
		return "", ErrInvalidName
	}
	return joined, nil
}

// FeatureOf returns the leading feature directory of a clean name.
func FeatureOf(name string) string {
	feature, _, _ := strings.Cut(name, "/")
	return feature
}

// List returns every feature-scoped workflow, sorted by name. A missing root
// yields an empty list.
func (c *Catalog) List() ([]Entry, error) {
	if strings.TrimSpace(c.root) == "" {
		return []Entry{}, nil
	}
	info, err := os.Stat(c.root)
	if err != nil || !info.IsDir() {
		return []Entry{}, nil
	}

	fsys := os.DirFS(c.root)
	matches, err := doublestar.Glob(fsys, "*/**/*.{json,JSON}", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list workflows in %s: %w", c.root, err)
	}
	sort.Strings(matches)

	entries := make([]Entry, 0, len(matches))
	for _, name := range matches {
		if !IsFeatureScoped(name) {
			continue
		}
		entry := Entry{Name: name, Feature: FeatureOf(name), Profile: DefaultProfile()}
		if doc, err := c.read(fsys, name); err == nil {
			entry.Profile = doc.Profile
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Load reads the named workflow. Names that escape the root are rejected.
func (c *Catalog) Load(name string) (*Document, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	root, err := filepath.EvalSymlinks(c.root)
	if err != nil {
		return nil, ErrWorkflowNotFound
	}
	full, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		return nil, ErrWorkflowNotFound
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, ErrInvalidName
	}

	return c.read(os.DirFS(root), filepath.ToSlash(rel))
}

func (c *Catalog) read(fsys fs.FS, name string) (*Document, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil || info.IsDir() {
		return nil, ErrWorkflowNotFound
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", name, err)
	}

	workflow, prompt, err := Split(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}
	return &Document{
		Name:     name,
		Feature:  FeatureOf(name),
		Profile:  ResolveProfile(workflow, prompt),
		Workflow: workflow,
		Prompt:   prompt,
	}, nil
}

// Split classifies a workflow file. It accepts an editor graph (an object
// with "nodes"), an executable prompt (node id to {class_type, inputs}), or a
// wrapper object carrying "workflow" and/or "prompt".
func Split(data []byte) (workflow, prompt json.RawMessage, err error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, err
	}

	if _, ok := top["nodes"]; ok {
		return json.RawMessage(data), nil, nil
	}
	wrappedWorkflow, hasWorkflow := top["workflow"]
	wrappedPrompt, hasPrompt := top["prompt"]
	if hasWorkflow || hasPrompt {
		return nullToEmpty(wrappedWorkflow), nullToEmpty(wrappedPrompt), nil
	}
	return nil, json.RawMessage(data), nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func splitName(name string) []string {
	var parts []string
	for _, part := range strings.Split(name, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
