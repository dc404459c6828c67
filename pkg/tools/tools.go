// Package tools provides the built-in tool set the CLI registers for
// agent sessions: workspace file access and throttled HTTP fetches.
// Callers with custom tools register them on the invoker directly.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/almas/drover/pkg/toolinvoker"
)

// HTTPDependency is the rate-limit key for outbound HTTP fetches.
const HTTPDependency = "http"

const defaultReadLimit = 200000

// Options configures the built-in tools.
type Options struct {
	// WorkspaceRoot confines file tools. Empty disables them.
	WorkspaceRoot string
	// HTTPTimeout bounds each http_get call. Zero means 30s.
	HTTPTimeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Register adds the built-in tools to the invoker.
func Register(inv *toolinvoker.Invoker, opts Options) error {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}

	defs := []toolinvoker.ToolDefinition{httpGetTool(opts)}
	if opts.WorkspaceRoot != "" {
		defs = append(defs, readFileTool(opts), writeFileTool(opts))
	}

	for _, def := range defs {
		if err := inv.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) toolinvoker.ToolDefinition {
	return toolinvoker.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolinvoker.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			f, err := os.Open(target)
			if err != nil {
				return nil, err
			}
			defer f.Close()

			data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
			if err != nil {
				return nil, err
			}
			truncated := int64(len(data)) > maxBytes
			if truncated {
				data = data[:maxBytes]
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolinvoker.ToolDefinition {
	return toolinvoker.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []toolinvoker.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			if _, err := f.WriteString(content); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func httpGetTool(opts Options) toolinvoker.ToolDefinition {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}

	return toolinvoker.ToolDefinition{
		Name:        "http_get",
		Description: "Fetch a URL over HTTP GET and return the response body as text.",
		Dependency:  HTTPDependency,
		Parameters: []toolinvoker.ToolParameter{
			{Name: "url", Type: "string", Description: "URL to fetch (http or https)", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to return (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			rawURL, _ := params["url"].(string)
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return nil, fmt.Errorf("unsupported url scheme: %s", rawURL)
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
			if err != nil {
				return nil, err
			}
			truncated := int64(len(body)) > maxBytes
			if truncated {
				body = body[:maxBytes]
			}

			return map[string]interface{}{
				"url":       rawURL,
				"status":    resp.StatusCode,
				"body":      string(body),
				"truncated": truncated,
			}, nil
		},
	}
}

// resolveWorkspacePath joins a relative path against the workspace root
// and rejects escapes.
func resolveWorkspacePath(root, pathValue string) (string, error) {
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(pathValue) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", pathValue)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Clean(filepath.Join(rootAbs, pathValue))
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", pathValue)
	}
	return target, nil
}
