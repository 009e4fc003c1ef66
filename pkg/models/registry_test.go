package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/prompt"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("gguf"), 0o644))
}

func TestRegistry_ScanFindsGGUFOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gemma-3-4b-it-q4.gguf")
	writeFile(t, dir, "qwen2.5-7b-instruct-q4.GGUF")
	writeFile(t, dir, "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.gguf"), 0o755))

	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "gemma-3-4b-it-q4", list[0].ID)
	assert.Equal(t, prompt.FamilyGemma, list[0].TemplateFamily)
	assert.Equal(t, "qwen2.5-7b-instruct-q4", list[1].ID)
	assert.Equal(t, prompt.FamilyChatML, list[1].TemplateFamily)
}

func TestRegistry_UnknownModelGetsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "exotic-model.gguf")

	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	m, ok := r.Get("exotic-model")
	require.True(t, ok)
	assert.Equal(t, defaultRecord.name, m.Name)
	assert.Equal(t, defaultRecord.contextSize, m.ContextSize)
	assert.Equal(t, prompt.FamilyChatML, m.TemplateFamily)
}

func TestRegistry_MissingDirIsEmptyNotError(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Empty(t, r.List())
}

func TestRegistry_Rescan(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, r.List())

	writeFile(t, dir, "llama-3.1-8b-q4.gguf")
	require.NoError(t, r.Scan())

	m, ok := r.Get("llama-3.1-8b-q4")
	require.True(t, ok)
	assert.Equal(t, prompt.FamilyLlama3, m.TemplateFamily)
}

func TestRegistry_SpecsApplyOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gemma-3-4b-it-q4.gguf")

	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	specs := r.Specs(RuntimeOverrides{ContextSize: 4096, BatchSize: 256, Threads: 4, GPULayers: -1})
	require.Len(t, specs, 1)
	assert.Equal(t, 4096, specs[0].ContextSize)
	assert.Equal(t, 256, specs[0].BatchSize)
	assert.Equal(t, -1, specs[0].GPULayers)

	// Without an override the catalog context size applies.
	specs = r.Specs(RuntimeOverrides{})
	assert.Equal(t, 8192, specs[0].ContextSize)
}
