package loopserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *client.Client) {
	t.Helper()
	workflowsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workflowsDir, "demo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, "demo", "basic.json"), []byte(testPrompt), 0o644))

	srv := New(Config{
		SimulateDelay: 20 * time.Millisecond,
		WorkflowsDir:  workflowsDir,
		OutputDir:     t.TempDir(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	c, err := client.New(client.Options{BaseURL: ts.URL})
	require.NoError(t, err)
	return srv, ts, c
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func waitForEntry(t *testing.T, c *client.Client, loopID string, cycle, retry int) models.ManifestEntry {
	t.Helper()
	var found models.ManifestEntry
	require.Eventually(t, func() bool {
		detail, err := c.GetLoop(context.Background(), loopID)
		if err != nil {
			return false
		}
		for _, e := range detail.Manifest {
			if e.CycleIndex == cycle && e.RetryIndex == retry && e.Status == models.EntryStatusReturned {
				found = e
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func TestServerLoopFlow(t *testing.T) {
	srv, _, c := newTestServer(t)
	ctx := context.Background()

	loopID, err := c.CreateLoop(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SetTotalCycles(ctx, loopID, 2))
	require.NoError(t, c.SetWorkflow(ctx, client.SetWorkflowRequest{LoopID: loopID, Prompt: json.RawMessage(testPrompt)}))

	step, err := c.Step(ctx, client.StepRequest{LoopID: loopID})
	require.NoError(t, err)
	require.NotNil(t, step.CycleIndex)
	assert.Equal(t, 0, *step.CycleIndex)
	assert.NotEmpty(t, step.PromptID)

	entry := waitForEntry(t, c, loopID, 0, 0)
	assert.Equal(t, step.PromptID, entry.PromptID)
	require.Len(t, entry.Outputs.Images, 1)
	assert.Equal(t, "loopdeck/"+loopID, entry.Outputs.Images[0].Subfolder)

	result, err := c.Decide(ctx, client.DecisionRequest{LoopID: loopID, CycleIndex: 0, RetryIndex: 0, Decision: models.DecisionApprove})
	require.NoError(t, err)
	require.NotNil(t, result.NextCycleIndex)
	assert.Equal(t, 1, *result.NextCycleIndex)
	require.NotNil(t, result.NeedsGeneration)
	assert.True(t, *result.NeedsGeneration)

	export, err := c.ExportApproved(ctx, loopID)
	require.NoError(t, err)
	assert.Equal(t, 1, export.Count)
	files, err := os.ReadDir(export.Folder)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "cycle_0000_r00_i00_"))

	loops, err := c.ListLoops(ctx)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, loopID, loops[0].LoopID)
	assert.Equal(t, 1, loops[0].CurrentCycle)

	require.NoError(t, c.Reset(ctx, client.ResetRequest{LoopID: loopID}))
	detail, err := srv.Registry().Get(loopID)
	require.NoError(t, err)
	assert.Empty(t, detail.Manifest)
}

func TestServerErrorCodes(t *testing.T) {
	_, ts, c := newTestServer(t)
	loopID, err := c.CreateLoop(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "step without workflow", path: "/lemouf/loop/step", body: `{"loop_id":"` + loopID + `"}`, wantStatus: http.StatusBadRequest, wantCode: "missing_workflow"},
		{name: "unknown loop", path: "/lemouf/loop/step", body: `{"loop_id":"nope"}`, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "bad json", path: "/lemouf/loop/config", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "invalid_json"},
		{name: "unknown decision", path: "/lemouf/loop/decision", body: `{"loop_id":"` + loopID + `","cycle_index":0,"retry_index":0,"decision":"maybe"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_decision"},
		{name: "unknown entry", path: "/api/lemouf/loop/decision", body: `{"loop_id":"` + loopID + `","cycle_index":0,"retry_index":0,"decision":"approve"}`, wantStatus: http.StatusNotFound, wantCode: "entry_not_found"},
		{name: "workflow escape", path: "/lemouf/workflows/load", body: `{"name":"../etc/passwd.json"}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_name"},
		{name: "workflow missing", path: "/lemouf/workflows/load", body: `{"name":"demo/none.json"}`, wantStatus: http.StatusNotFound, wantCode: "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postJSON(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, out["error"])
		})
	}
}

func TestServerCreateWithID(t *testing.T) {
	_, ts, _ := newTestServer(t)

	_, out := postJSON(t, ts.URL+"/api/lemouf/loop/create", `{"loop_id":"mine"}`)
	assert.Equal(t, "mine", out["loop_id"])
	_, out = postJSON(t, ts.URL+"/lemouf/loop/create", `{"loop_id":"mine"}`)
	assert.Equal(t, "mine", out["loop_id"])

	resp, err := http.Get(ts.URL + "/api/lemouf/loop/mine")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerWorkflows(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	list, err := c.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, "demo/basic.json", list.Workflows[0].Name)
	assert.Equal(t, "demo", list.Workflows[0].Feature)
	assert.Equal(t, "generic_loop", list.Workflows[0].ProfileID)

	loaded, err := c.LoadWorkflow(ctx, "demo/basic.json")
	require.NoError(t, err)
	assert.JSONEq(t, testPrompt, string(loaded.Prompt))
}

func TestServerStandalonePrompt(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	promptID, err := c.QueuePrompt(ctx, json.RawMessage(`{"1":{"class_type":"KSampler","inputs":{}}}`))
	require.NoError(t, err)

	status, err := c.PromptStatus(ctx, promptID)
	require.NoError(t, err)
	assert.False(t, status.Completed)

	require.Eventually(t, func() bool {
		status, err := c.PromptStatus(ctx, promptID)
		return err == nil && status.Completed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerEventFeed(t *testing.T) {
	srv, ts, c := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientId=test"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() events.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		event, err := events.Parse(data)
		require.NoError(t, err)
		return event
	}

	assert.Equal(t, events.TypeStatus, readEvent().Type)
	require.Eventually(t, func() bool { return srv.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	loopID, err := c.CreateLoop(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.SetTotalCycles(context.Background(), loopID, 3))

	event := readEvent()
	assert.Equal(t, events.TypeLoopUpdated, event.Type)
	assert.Equal(t, loopID, event.LoopID)
}
