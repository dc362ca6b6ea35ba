package workflows

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIsFeatureScoped(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"video/main.json", true},
		{"video/sub/main.JSON", true},
		{`video\main.json`, true},
		{"main.json", false},
		{"video/main.txt", false},
		{"video/../main.json", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFeatureScoped(tt.name))
		})
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "video/main.json", want: "video/main.json"},
		{name: "video/./main.json", want: "video/main.json"},
		{name: "  video//main.json ", want: "video/main.json"},
		{name: "/etc/passwd.json", wantErr: true},
		{name: "../video/main.json", wantErr: true},
		{name: "./video/main.json", wantErr: true},
		{name: "video/../../x.json", wantErr: true},
		{name: "main.json", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalogList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "video/main.json", `{"nodes":[{"type":"LeMoufWorkflowProfile","widgets_values":["video-loop","1.2.3","2.0.0"]}]}`)
	writeFile(t, root, "audio/deep/song.json", `{"1":{"class_type":"Song2DawRun","inputs":{}}}`)
	writeFile(t, root, "top.json", `{}`)
	writeFile(t, root, "video/notes.txt", `hello`)
	writeFile(t, root, "video/broken.json", `{`)

	entries, err := NewCatalog(root).List()
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"audio/deep/song.json", "video/broken.json", "video/main.json"}, names)

	assert.Equal(t, "audio", entries[0].Feature)
	assert.Equal(t, "song2daw", entries[0].Profile.ID)
	assert.Equal(t, DefaultProfile(), entries[1].Profile)
	assert.Equal(t, "video_loop", entries[2].Profile.ID)
	assert.Equal(t, "1.2.3", entries[2].Profile.Version)
}

func TestCatalogListMissingRoot(t *testing.T) {
	entries, err := NewCatalog(filepath.Join(t.TempDir(), "missing")).List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCatalogLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "video/wrapped.json", `{"workflow":{"nodes":[]},"prompt":{"1":{"class_type":"LoopContext","inputs":{}}}}`)
	writeFile(t, root, "video/prompt.json", `{"1":{"class_type":"KSampler","inputs":{}}}`)

	catalog := NewCatalog(root)

	doc, err := catalog.Load("video/wrapped.json")
	require.NoError(t, err)
	assert.Equal(t, "video", doc.Feature)
	assert.JSONEq(t, `{"nodes":[]}`, string(doc.Workflow))
	assert.JSONEq(t, `{"1":{"class_type":"LoopContext","inputs":{}}}`, string(doc.Prompt))

	doc, err = catalog.Load("video/prompt.json")
	require.NoError(t, err)
	assert.Empty(t, doc.Workflow)
	assert.NotEmpty(t, doc.Prompt)

	_, err = catalog.Load("video/missing.json")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = catalog.Load("../outside.json")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCatalogLoadRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret.json", `{}`)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "video"), 0o755))
	if err := os.Symlink(filepath.Join(outside, "secret.json"), filepath.Join(root, "video", "link.json")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := NewCatalog(root).Load("video/link.json")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestResolveProfile(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		prompt   string
		want     Profile
	}{
		{
			name:   "prompt node wins",
			prompt: `{"5":{"class_type":"LeMoufWorkflowProfile","inputs":{"profile_id":"custom","profile_id_custom":"My Tool","profile_version":"2.0.1","ui_contract_version":"bad","workflow_kind":"Branch"}}}`,
			workflow: `{"nodes":[{"type":"LeMoufWorkflowProfile","widgets_values":["other"]}]}`,
			want: Profile{ID: "my_tool", Version: "2.0.1", UIContractVersion: "1.0.0", Kind: "branch", Source: ProfileSourcePromptNode},
		},
		{
			name:     "extended widgets",
			workflow: `{"nodes":[{"type":"LeMoufWorkflowProfile","widgets_values":["custom","x-y","3.0.0","4.0.0","branch"]}]}`,
			want:     Profile{ID: "x_y", Version: "3.0.0", UIContractVersion: "4.0.0", Kind: "branch", Source: ProfileSourceWorkflowNode},
		},
		{
			name:   "song2daw heuristic",
			prompt: `{"1":{"class_type":"Song2DawRun"}}`,
			want:   Profile{ID: "song2daw", Version: "0.1.0", UIContractVersion: "1.0.0", Kind: "master", Source: ProfileSourceHeuristic},
		},
		{
			name: "fallback",
			want: DefaultProfile(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveProfile(json.RawMessage(tt.workflow), json.RawMessage(tt.prompt))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	linked := `{
		"1": {"class_type": "LoopContext", "inputs": {}},
		"2": {"class_type": "KSampler", "inputs": {"seed": ["1", 5]}},
		"3": {"class_type": "LoopReturn", "inputs": {"images": ["4", 0]}}
	}`
	report := Validate(nil, json.RawMessage(linked))
	assert.True(t, report.OK())
	assert.Empty(t, report.Warnings)

	unlinked := `{
		"1": {"class_type": "LoopContext", "inputs": {}},
		"2": {"class_type": "KSampler", "inputs": {"seed": 42}},
		"3": {"class_type": "LoopReturn", "inputs": {}}
	}`
	report = Validate(nil, json.RawMessage(unlinked))
	assert.False(t, report.OK())
	assert.Contains(t, report.Errors, "KSampler.seed is not linked to LoopContext.seed.")
	assert.Contains(t, report.Warnings, "Loop Return has no images input linked.")

	noSampler := `{"1": {"class_type": "LoopContext"}, "3": {"class_type": "LoopReturn", "inputs": {"images": ["9", 0]}}}`
	report = Validate(nil, json.RawMessage(noSampler))
	assert.True(t, report.OK())
	assert.Equal(t, []string{"No KSampler node found."}, report.Warnings)

	report = Validate(nil, json.RawMessage(`{"1": {"class_type": "KSampler"}}`))
	assert.Equal(t, []string{"Missing Loop Context node.", "Missing Loop Return node."}, report.Errors)

	report = Validate(json.RawMessage(`{"nodes":[{"type":"LoopContext"},{"type":"LoopReturn"},{"type":"KSampler"}]}`), nil)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"Graph linkage checks require a synced workflow."}, report.Warnings)

	report = Validate(nil, nil)
	assert.Equal(t, []string{"Workflow not readable."}, report.Errors)
}

func TestSignature(t *testing.T) {
	a, err := Signature(json.RawMessage(`{"b": 1, "a": {"y": [1,2], "x": "s"}}`))
	require.NoError(t, err)
	b, err := Signature(json.RawMessage(`{"a":{"x":"s","y":[1,2]},"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Signature(json.RawMessage(`{"a":{"x":"s","y":[2,1]},"b":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := Signature(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = Signature(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	assert.Equal(t, uint64(200003), Seed("l", 2, 3, 0, SeedModeCycleRetry))
	assert.Equal(t, uint64(12), Seed("l", 2, 3, 10, SeedModeCycle))
	assert.Equal(t, uint64(0), Seed("l", 1, 0, ^uint64(0), SeedModeCycle))

	h1 := Seed("loop", 1, 0, 7, SeedModeHash)
	h2 := Seed("loop", 1, 0, 7, SeedModeHash)
	h3 := Seed("loop", 1, 1, 7, SeedModeHash)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)

	assert.Equal(t, SeedModeHash, ParseSeedMode(" HASH "))
	assert.Equal(t, SeedModeCycleRetry, ParseSeedMode("bogus"))
}

func TestSeedSettings(t *testing.T) {
	tests := []struct {
		name     string
		prompt   string
		wantBase uint64
		wantMode SeedMode
		wantOK   bool
	}{
		{name: "number", prompt: `{"1":{"class_type":"LoopContext","inputs":{"base_seed":42,"seed_mode":"hash"}}}`, wantBase: 42, wantMode: SeedModeHash, wantOK: true},
		{name: "string seed", prompt: `{"1":{"class_type":"LoopContext","inputs":{"base_seed":"7"}}}`, wantBase: 7, wantMode: SeedModeCycleRetry, wantOK: true},
		{name: "linked seed", prompt: `{"1":{"class_type":"LoopContext","inputs":{"base_seed":["9",0],"seed_mode":"cycle"}}}`, wantBase: 0, wantMode: SeedModeCycle, wantOK: true},
		{name: "no context", prompt: `{"1":{"class_type":"KSampler","inputs":{}}}`, wantMode: SeedModeCycleRetry},
		{name: "garbage", prompt: `[`, wantMode: SeedModeCycleRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, mode, ok := SeedSettings(json.RawMessage(tt.prompt))
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantMode, mode)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
