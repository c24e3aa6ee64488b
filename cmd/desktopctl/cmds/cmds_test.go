package cmds

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/desktopctl/internal/fakeapi"
	"github.com/go-go-golems/desktopctl/pkg/draft"
	"github.com/go-go-golems/desktopctl/pkg/engine"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	srv       *fakeapi.Server
	url       string
	config    string
	draftsDir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	srv := fakeapi.New()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	dir := t.TempDir()
	cfg := filepath.Join(dir, "desktopctl.yaml")
	body := []byte(`pipeline:
  poll_interval: 20ms
  retry_delay: 40ms
`)
	require.NoError(t, os.WriteFile(cfg, body, 0o644))
	return &cliEnv{srv: srv, url: hs.URL, config: cfg, draftsDir: filepath.Join(dir, "drafts")}
}

func (e *cliEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "desktopctl", SilenceUsage: true, SilenceErrors: true}
	AddRootFlags(root)
	require.NoError(t, AddCommands(root))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--config", e.config,
		"--server", e.url,
		"--drafts-dir", e.draftsDir,
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStateSetThenShow(t *testing.T) {
	env := newCLIEnv(t)
	env.srv.SetState("demo", protocol.FormState{"app_display_name": "Old", "version": "1.0.0"})

	_, err := env.exec(t, "state", "set", "--scenario", "demo", "app_display_name=Demo", "window.width=1024")
	require.NoError(t, err)

	st := env.srv.State("demo")
	require.NotNil(t, st)
	require.Equal(t, "Demo", st.FormState["app_display_name"])
	require.Equal(t, "1.0.0", st.FormState["version"])
	window, ok := st.FormState["window"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1024, window["width"])

	out, err := env.exec(t, "state", "show", "--scenario", "demo")
	require.NoError(t, err)
	var snap struct {
		ScenarioName string             `json:"scenario_name"`
		Hash         string             `json:"hash"`
		FormState    protocol.FormState `json:"form_state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Equal(t, "demo", snap.ScenarioName)
	require.Equal(t, st.Hash, snap.Hash)
	require.Equal(t, "Demo", snap.FormState["app_display_name"])
}

func TestStateSet_RejectsUnknownConflictPolicy(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.exec(t, "state", "set", "--scenario", "demo", "--on-conflict", "merge", "a=b")
	require.Error(t, err)
	require.Contains(t, err.Error(), "on-conflict")
	require.Equal(t, 0, env.srv.Calls(fakeapi.OpFetch))
}

func TestStateClear(t *testing.T) {
	env := newCLIEnv(t)
	env.srv.SetState("demo", protocol.FormState{"app_display_name": "Demo"})

	_, err := env.exec(t, "state", "clear", "--scenario", "demo")
	require.NoError(t, err)
	require.Nil(t, env.srv.State("demo"))
}

func TestRun_BundledWithoutManifestMakesNoCalls(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.exec(t, "run", "--scenario", "demo", "--bundled")
	require.Error(t, err)
	require.True(t, engine.IsValidation(err))
	require.Equal(t, "Bundle manifest path is required for bundled mode", err.Error())
	require.Equal(t, 0, env.srv.Calls(fakeapi.OpFetch))
	require.Equal(t, 0, env.srv.Calls(fakeapi.OpStart))
}

func TestRun_RejectsUnknownStage(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.exec(t, "run", "--scenario", "demo", "--stage", "deploy")
	require.Error(t, err)
	require.Equal(t, 0, env.srv.Calls(fakeapi.OpStart))
}

func TestRun_CompletedRunIsRecorded(t *testing.T) {
	env := newCLIEnv(t)
	env.srv.SetState("demo", protocol.FormState{"app_display_name": "Demo"})

	secrets := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(secrets, []byte("API_KEY=from-file\nEMPTY=\n"), 0o600))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for len(env.srv.RunRequests()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		env.srv.SetRun("pipeline-1", protocol.RunStatus{
			PipelineID: "pipeline-1",
			Status:     protocol.RunCompleted,
			Stages: map[protocol.Stage]protocol.StageResult{
				protocol.StageGenerate: {Status: protocol.RunCompleted},
			},
		})
	}()

	out, err := env.exec(t, "run",
		"--scenario", "demo",
		"--stage", "generate",
		"--secrets-file", secrets,
		"--secret", "TOKEN=abc",
		"--override-gates",
	)
	require.NoError(t, err)

	var view struct {
		Run engine.PipelineRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, protocol.RunCompleted, view.Run.Status)
	require.Equal(t, "pipeline-1", view.Run.PipelineID)

	reqs := env.srv.RunRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, []protocol.Stage{protocol.StageGenerate}, reqs[0].Stages)
	require.Equal(t, map[string]string{"API_KEY": "from-file", "TOKEN": "abc"}, reqs[0].Secrets)

	st := env.srv.State("demo")
	require.NotNil(t, st)
	pipeline, ok := st.FormState["pipeline"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "pipeline-1", pipeline["last_pipeline_id"])
}

func TestRun_FailedRunReturnsStageError(t *testing.T) {
	env := newCLIEnv(t)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for len(env.srv.RunRequests()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		env.srv.SetRun("pipeline-1", protocol.RunStatus{
			PipelineID: "pipeline-1",
			Status:     protocol.RunFailed,
			Stages: map[protocol.Stage]protocol.StageResult{
				protocol.StageBuild: {Status: protocol.RunFailed, Error: "compile error"},
			},
		})
	}()

	_, err := env.exec(t, "run", "--scenario", "demo", "--stage", "build")
	require.Error(t, err)
	require.Equal(t, "build stage failed: compile error", err.Error())
}

func TestDraftListShowClear(t *testing.T) {
	env := newCLIEnv(t)
	st, err := draft.NewFileStorage(env.draftsDir)
	require.NoError(t, err)
	draft.NewCache(draft.Options{Storage: st}).Save("demo", map[string]any{"app_display_name": "Offline"})

	out, err := env.exec(t, "draft", "list")
	require.NoError(t, err)
	var list struct {
		Drafts []struct {
			Scenario string `json:"scenario"`
			Keys     int    `json:"keys"`
		} `json:"drafts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Drafts, 1)
	require.Equal(t, "demo", list.Drafts[0].Scenario)
	require.Equal(t, 1, list.Drafts[0].Keys)

	out, err = env.exec(t, "draft", "show", "demo")
	require.NoError(t, err)
	require.Contains(t, out, "Offline")

	_, err = env.exec(t, "draft", "clear", "demo")
	require.NoError(t, err)
	_, err = env.exec(t, "draft", "show", "demo")
	require.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"name=Demo", "port=8080", "debug=true", `tags=["a","b"]`, "empty="})
	require.NoError(t, err)
	require.Equal(t, "Demo", got["name"])
	require.EqualValues(t, 8080, got["port"])
	require.Equal(t, true, got["debug"])
	require.Equal(t, []any{"a", "b"}, got["tags"])
	require.Equal(t, "", got["empty"])

	_, err = parseAssignments([]string{"novalue"})
	require.Error(t, err)
	_, err = parseAssignments([]string{"=x"})
	require.Error(t, err)
}

func TestParseSecrets(t *testing.T) {
	got, err := parseSecrets([]string{"A=1", " B =x=y"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "1", "B": "x=y"}, got)

	_, err = parseSecrets([]string{"A"})
	require.Error(t, err)
}
