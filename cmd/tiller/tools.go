package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tillerlabs/tiller/pkg/tool"
)

// builtinTools registers the small standard tool set the CLI ships
// with. Deployments register their own alongside or instead.
func builtinTools() (*tool.Registry, error) {
	reg := tool.NewRegistry()

	err := reg.Register(tool.Descriptor{
		Name:        "file_read",
		Description: "Read a file relative to the working directory",
		Version:     "1.0.0",
		ArgsSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string", "minLength": 1}},
			"required": ["path"],
			"additionalProperties": true
		}`),
		SideEffect: tool.ClassRead,
		Timeout:    10 * time.Second,
	}, fileRead)
	if err != nil {
		return nil, err
	}

	err = reg.Register(tool.Descriptor{
		Name:        "http_get",
		Description: "Fetch a URL over HTTP(S)",
		Version:     "1.0.0",
		ArgsSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string", "minLength": 1}},
			"required": ["url"],
			"additionalProperties": true
		}`),
		SideEffect: tool.ClassNetwork,
		Timeout:    30 * time.Second,
		RatePerSec: 5,
		Burst:      5,
	}, httpGet)
	if err != nil {
		return nil, err
	}

	err = reg.Register(tool.Descriptor{
		Name:        "transform",
		Description: "Summarize, extract, or count over prior output",
		Version:     "1.0.0",
		ArgsSchema:  json.RawMessage(`{"type": "object"}`),
		SideEffect:  tool.ClassPure,
		Timeout:     10 * time.Second,
	}, transform)
	if err != nil {
		return nil, err
	}

	return reg, nil
}

func fileRead(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	// Reads are confined to the working tree.
	if !strings.HasPrefix(abs, cwd+string(filepath.Separator)) && abs != cwd {
		return nil, fmt.Errorf("path %s escapes the working directory", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func httpGet(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http_get: %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return string(body), nil
}

func transform(ctx context.Context, args map[string]any) (any, error) {
	op, _ := args["operation"].(string)
	input, _ := args["input"].(string)
	switch op {
	case "count", "count_lines":
		return fmt.Sprintf("%d lines", len(strings.Split(strings.TrimRight(input, "\n"), "\n"))), nil
	case "extract":
		return strings.TrimSpace(input), nil
	default:
		// summarize and friends: head of the input.
		const max = 500
		s := strings.TrimSpace(input)
		if len(s) > max {
			s = s[:max] + "…"
		}
		if s == "" {
			s = fmt.Sprintf("no input for operation %q", op)
		}
		return s, nil
	}
}
