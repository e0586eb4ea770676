package commands

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authguard/internal/model"
	"authguard/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { cfgFile = "" })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  brute_force_threshold: 7\n"), 0o644))

	out, err := run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config OK")

	out, err = run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "brute_force_threshold: 7")
}

func TestConfigShowRedactsAdminToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  admin_token: hunter2\n"), 0o644))

	out, err := run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "admin_token: REDACTED")
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection: [unterminated\n"), 0o644))
	_, err := run(t, "config", "validate", "--config", path)
	require.Error(t, err)
}

func TestInspectFileSnapshot(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.json")
	store, err := storage.NewFile(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, model.PersistedState{
		Version: model.StateVersion,
		SavedAt: now,
		Events: []model.SecurityEvent{
			{ID: "ev-1", Kind: model.KindFailedLogin, Origin: "203.0.113.5", Timestamp: now, Severity: model.SeverityCritical, Blocked: true},
		},
		BlockedOrigins: []string{"203.0.113.5"},
	}))

	out, err := run(t, "inspect", "--driver", "file", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot v1")
	assert.Contains(t, out, "failed_login")
	assert.Contains(t, out, "blocked origin")

	out, err = run(t, "inspect", "--driver", "file", "--dsn", dsn, "--format", "json")
	require.NoError(t, err)
	var state model.PersistedState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, []string{"203.0.113.5"}, state.BlockedOrigins)
}

func TestPrintSnapshotEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSnapshot(&buf, model.PersistedState{}, 10, time.Now()))
	assert.True(t, strings.HasPrefix(buf.String(), "Snapshot v0, saved never"))
}

func TestStatusFromAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(model.SecurityStats{
			FailedPasswordAttempts:  1234,
			BruteForceDetected:      true,
			ActiveLockouts:          1,
			LockoutRemainingSeconds: 90,
			GeneratedAt:             time.Now(),
		})
	}))
	defer srv.Close()

	out, err := run(t, "status", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "Brute force       : YES")
	assert.Contains(t, out, "1m30s left")
}
