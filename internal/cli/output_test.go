package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
)

type sampleOutput struct {
	LoopID string `json:"loop_id"`
	Cycles int    `json:"cycles"`
}

func setOutputMode(t *testing.T, json, jsonl bool) {
	t.Helper()
	prevJSON, prevJSONL, prevNoColor := jsonOutput, jsonlOutput, noColor
	t.Cleanup(func() {
		jsonOutput, jsonlOutput, noColor = prevJSON, prevJSONL, prevNoColor
	})
	jsonOutput, jsonlOutput, noColor = json, jsonl, true
}

func TestFormatterJSON(t *testing.T) {
	setOutputMode(t, true, false)

	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).Write(sampleOutput{LoopID: "a1", Cycles: 2}))
	assert.Equal(t, "{\n  \"loop_id\": \"a1\",\n  \"cycles\": 2\n}\n", buf.String())
}

func TestFormatterJSONL(t *testing.T) {
	setOutputMode(t, false, true)

	var buf bytes.Buffer
	payload := []sampleOutput{
		{LoopID: "a1", Cycles: 1},
		{LoopID: "b2", Cycles: 3},
	}
	require.NoError(t, NewFormatter(&buf).Write(payload))
	assert.Equal(t, "{\"loop_id\":\"a1\",\"cycles\":1}\n{\"loop_id\":\"b2\",\"cycles\":3}\n", buf.String())
}

func TestFormatterHuman(t *testing.T) {
	setOutputMode(t, false, false)

	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).Write("hello"))
	assert.Equal(t, "hello\n", buf.String())
}

func TestFormatterHumanRenderer(t *testing.T) {
	setOutputMode(t, false, false)

	detail := &models.LoopDetail{
		LoopID:      "loop-1",
		Status:      models.LoopStatusIdle,
		TotalCycles: 2,
		Manifest: []models.ManifestEntry{
			{
				CycleIndex: 0,
				RetryIndex: 0,
				Status:     models.EntryStatusReturned,
				Decision:   models.DecisionApprove,
				Outputs:    models.Outputs{Images: []models.MediaRef{{Filename: "a.png", Subfolder: "lemouf"}}},
				UpdatedAt:  1,
			},
		},
	}
	report := loopReport{
		View:     manifest.Reconcile(detail, manifest.Intent{}, time.Now()),
		Progress: events.Progress{Status: events.ProgressIdle},
		Workflow: "demo/basic.json",
	}

	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).Write(report))
	out := buf.String()
	assert.Contains(t, out, "Loop loop-1")
	assert.Contains(t, out, "approved 1")
	assert.Contains(t, out, "Workflow: demo/basic.json")
	assert.Contains(t, out, "lemouf/a.png")
	assert.NotContains(t, out, "exec")
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, []string{"ID", "STATUS"}, [][]string{
		{"loop-1", "idle"},
		{"a", "complete"},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID      STATUS", lines[0])
	assert.Equal(t, "loop-1  idle", lines[1])
	assert.Equal(t, "a       complete", lines[2])
}

func TestOutputSummary(t *testing.T) {
	tests := []struct {
		name    string
		outputs models.Outputs
		want    string
	}{
		{"empty", models.Outputs{}, "-"},
		{"image", models.Outputs{Images: []models.MediaRef{{Filename: "x.png"}}}, "x.png"},
		{"text", models.Outputs{Text: "a caption"}, `"a caption"`},
		{"long text", models.Outputs{Text: strings.Repeat("a", 50)}, `"` + strings.Repeat("a", 37) + `..."`},
		{"media", models.Outputs{Audio: []models.MediaRef{{Filename: "a.wav"}}, Video: []models.MediaRef{{Filename: "b.mp4"}}}, "2 media"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outputSummary(tt.outputs))
		})
	}
}
