package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/hyperengineering/todomirror/internal/server"
	"github.com/hyperengineering/todomirror/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend-side view of client activity.

func getJSON(t *testing.T, b *testBackend, user, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.url()+path, nil)
	require.NoError(t, err)
	if user != "" {
		id := b.identity(t, user)
		token, _ := id.Token(context.Background())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_ChangeLogRecordsClientWrites(t *testing.T) {
	b := startBackend(t)
	alice := openClient(t, b.url(), b.identity(t, "alice"), clientOptions{})

	todo, _, err := alice.Add("logged")
	require.NoError(t, err)
	awaitEcho(t, alice, todo)
	current, _ := alice.Get(todo.ID)
	ok, err := alice.Toggle(current.Ref())
	require.NoError(t, err)
	require.True(t, ok)
	alice.Wait()

	// The toggle's echo may replace the instance at any moment; retry until
	// the removal lands on a current reference.
	eventually(t, func() bool {
		current, found := alice.Get(todo.ID)
		if !found {
			return true
		}
		ok, err := alice.Remove(current.Ref())
		return err == nil && ok
	}, "remove %s", todo.ID)
	alice.Wait()

	var changes server.ChangesResponse
	require.Equal(t, http.StatusOK, getJSON(t, b, "alice", "/api/v1/todos/changes?after=0", &changes))
	require.Len(t, changes.Entries, 3)

	ops := []string{changes.Entries[0].Operation, changes.Entries[1].Operation, changes.Entries[2].Operation}
	assert.Equal(t, []string{store.OperationUpsert, store.OperationUpsert, store.OperationDelete}, ops)
	for _, e := range changes.Entries {
		assert.Equal(t, todo.ID, e.TodoID)
	}
	assert.Equal(t, "alice", changes.Entries[0].SourceID, "creates are attributed to their author")
	require.NotNil(t, changes.Entries[1].Event.Record.Completed)
	assert.True(t, *changes.Entries[1].Event.Record.Completed)
	assert.Nil(t, changes.Entries[1].Event.Record.Title)
}

func TestServer_MetricsReflectTraffic(t *testing.T) {
	b := startBackend(t)
	alice := openClient(t, b.url(), b.identity(t, "alice"), clientOptions{})
	b.awaitSubscribers(t, 1)

	_, _, err := alice.Add("count me")
	require.NoError(t, err)
	alice.Wait()

	resp, err := http.Get(b.url() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `todomirror_server_writes_total{op="create"} 1`)
	assert.Contains(t, text, "todomirror_server_stream_subscribers 1")
	assert.True(t, strings.Contains(text, "todomirror_server_broadcasts_total 1"), text)
}

func TestServer_HealthCountsRecords(t *testing.T) {
	b := startBackend(t)
	alice := openClient(t, b.url(), b.identity(t, "alice"), clientOptions{})
	for _, title := range []string{"a", "b"} {
		_, _, err := alice.Add(title)
		require.NoError(t, err)
	}
	alice.Wait()

	var health struct {
		Status    string `json:"status"`
		TodoCount int64  `json:"todo_count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, b, "", "/api/v1/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(2), health.TodoCount)
}
