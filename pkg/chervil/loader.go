package chervil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MemoryLoader serves templates from an in-memory map, mainly for tests
// and embedded defaults.
type MemoryLoader map[string]string

func (m MemoryLoader) Load(name string) (string, error) {
	if src, ok := m[name]; ok {
		return src, nil
	}
	return "", ErrTemplateNotFound{Name: name}
}

// FileSystemLoader reads templates from a directory tree. Names are
// slash-separated paths relative to the root; lookups cannot escape it.
type FileSystemLoader struct {
	Root string
}

func NewFileSystemLoader(root string) *FileSystemLoader {
	return &FileSystemLoader{Root: root}
}

func (l *FileSystemLoader) Load(name string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(name))
	if clean == "/" {
		return "", ErrTemplateNotFound{Name: name}
	}
	path := filepath.Join(l.Root, clean)

	rel, err := filepath.Rel(l.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrTemplateNotFound{Name: name}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrTemplateNotFound{Name: name}
		}
		return "", fmt.Errorf("load template %q: %w", name, err)
	}
	return string(data), nil
}

// PrefixLoader routes template names by their first path segment to
// different loaders, so "emails/welcome.html" can come from another
// source than "pages/index.html".
type PrefixLoader map[string]Loader

func (p PrefixLoader) Load(name string) (string, error) {
	prefix, rest, ok := strings.Cut(name, "/")
	if ok {
		if l, found := p[prefix]; found {
			return l.Load(rest)
		}
	}
	if l, found := p[""]; found {
		return l.Load(name)
	}
	return "", ErrTemplateNotFound{Name: name}
}

// ChainLoader tries each loader in order and returns the first hit.
type ChainLoader []Loader

func (c ChainLoader) Load(name string) (string, error) {
	for _, l := range c {
		src, err := l.Load(name)
		if err == nil {
			return src, nil
		}
		var notFound ErrTemplateNotFound
		if !errors.As(err, &notFound) {
			return "", err
		}
	}
	return "", ErrTemplateNotFound{Name: name}
}
