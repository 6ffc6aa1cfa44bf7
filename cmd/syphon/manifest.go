package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/pipeline"
	"github.com/syphonlabs/syphon/internal/proc"
)

// blockSpec describes one plugin process in a manifest.
type blockSpec struct {
	Name string            `yaml:"name"`
	Path string            `yaml:"path"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`
	Dir  string            `yaml:"dir"`
}

// manifest is the on-disk description of one pipeline: an extractor, a
// loader, and any mappers that transform records between them.
type manifest struct {
	Job       string      `yaml:"job"`
	Extractor blockSpec   `yaml:"extractor"`
	Mappers   []blockSpec `yaml:"mappers"`
	Loader    blockSpec   `yaml:"loader"`
}

func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Extractor.Path == "" || m.Loader.Path == "" {
		return nil, fmt.Errorf("manifest %s: extractor and loader executables are required", path)
	}
	return &m, nil
}

func (m *manifest) identity() (identity.Identity, error) {
	return identity.New(m.Extractor.blockName("extractor"), m.Loader.blockName("loader"), m.Job)
}

// blocks resolves the manifest into an ordered block chain.
func (m *manifest) blocks() []pipeline.Block {
	out := make([]pipeline.Block, 0, len(m.Mappers)+2)
	out = append(out, pipeline.Producer(m.Extractor.blockName("extractor"), m.Extractor.procSpec()))
	for i, mapper := range m.Mappers {
		out = append(out, pipeline.Transformer(mapper.blockName(fmt.Sprintf("mapper-%d", i)), mapper.procSpec()))
	}
	out = append(out, pipeline.Consumer(m.Loader.blockName("loader"), m.Loader.procSpec()))
	return out
}

func (b blockSpec) blockName(fallback string) string {
	if b.Name != "" {
		return b.Name
	}
	return fallback
}

func (b blockSpec) procSpec() proc.Spec {
	return proc.Spec{
		Path: b.Path,
		Args: b.Args,
		Env:  b.Env,
		Dir:  b.Dir,
	}
}
