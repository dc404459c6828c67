package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almas/drover/pkg/toolinvoker"
)

func newInvoker(t *testing.T, opts Options) *toolinvoker.Invoker {
	t.Helper()
	inv := toolinvoker.New()
	require.NoError(t, Register(inv, opts))
	return inv
}

func TestRegister(t *testing.T) {
	t.Run("should register file tools only with a workspace root", func(t *testing.T) {
		inv := newInvoker(t, Options{})
		assert.Equal(t, 1, inv.Count())
		assert.Nil(t, inv.Get("read_file"))

		inv = newInvoker(t, Options{WorkspaceRoot: t.TempDir()})
		assert.Equal(t, 3, inv.Count())
		assert.NotNil(t, inv.Get("read_file"))
		assert.NotNil(t, inv.Get("write_file"))
		assert.NotNil(t, inv.Get("http_get"))
	})
}

func TestFileTools(t *testing.T) {
	t.Run("should write then read a workspace file", func(t *testing.T) {
		root := t.TempDir()
		inv := newInvoker(t, Options{WorkspaceRoot: root})
		ctx := context.Background()

		res, err := inv.Invoke(ctx, "write_file", map[string]interface{}{
			"path":    "out/answer.txt",
			"content": "forty-two",
		})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		res, err = inv.Invoke(ctx, "read_file", map[string]interface{}{
			"path": "out/answer.txt",
		})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		out, ok := res.Output.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "forty-two", out["content"])
	})

	t.Run("should append when asked", func(t *testing.T) {
		root := t.TempDir()
		inv := newInvoker(t, Options{WorkspaceRoot: root})
		ctx := context.Background()

		for _, chunk := range []string{"a", "b"} {
			res, err := inv.Invoke(ctx, "write_file", map[string]interface{}{
				"path":    "log.txt",
				"content": chunk,
				"append":  true,
			})
			require.NoError(t, err)
			require.True(t, res.Success, res.Error)
		}

		data, err := os.ReadFile(filepath.Join(root, "log.txt"))
		require.NoError(t, err)
		assert.Equal(t, "ab", string(data))
	})

	t.Run("should truncate long reads", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 100)), 0644))

		inv := newInvoker(t, Options{WorkspaceRoot: root})
		res, err := inv.Invoke(context.Background(), "read_file", map[string]interface{}{
			"path":      "big.txt",
			"max_bytes": float64(10),
		})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		out := res.Output.(map[string]interface{})
		assert.Equal(t, true, out["truncated"])
		assert.Len(t, out["content"], 10)
	})

	t.Run("should reject paths that escape the workspace", func(t *testing.T) {
		inv := newInvoker(t, Options{WorkspaceRoot: t.TempDir()})

		res, err := inv.Invoke(context.Background(), "read_file", map[string]interface{}{
			"path": "../../etc/passwd",
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "escapes workspace")
	})

	t.Run("should reject absolute paths", func(t *testing.T) {
		inv := newInvoker(t, Options{WorkspaceRoot: t.TempDir()})

		res, err := inv.Invoke(context.Background(), "write_file", map[string]interface{}{
			"path":    "/tmp/outside.txt",
			"content": "nope",
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "absolute paths")
	})
}

func TestHTTPGetTool(t *testing.T) {
	t.Run("should fetch a URL", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		inv := newInvoker(t, Options{})
		res, err := inv.Invoke(context.Background(), "http_get", map[string]interface{}{
			"url": srv.URL,
		})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		out := res.Output.(map[string]interface{})
		assert.Equal(t, `{"ok":true}`, out["body"])
		assert.Equal(t, http.StatusOK, out["status"])
	})

	t.Run("should reject non-http schemes", func(t *testing.T) {
		inv := newInvoker(t, Options{})
		res, err := inv.Invoke(context.Background(), "http_get", map[string]interface{}{
			"url": "file:///etc/passwd",
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "unsupported url scheme")
	})

	t.Run("should truncate long bodies", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("y", 50)))
		}))
		defer srv.Close()

		inv := newInvoker(t, Options{})
		res, err := inv.Invoke(context.Background(), "http_get", map[string]interface{}{
			"url":       srv.URL,
			"max_bytes": float64(8),
		})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		out := res.Output.(map[string]interface{})
		assert.Equal(t, true, out["truncated"])
		assert.Len(t, out["body"], 8)
	})
}
