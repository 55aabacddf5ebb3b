package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/filedex/filedex/internal/extract"
	"github.com/filedex/filedex/internal/indexer"
	"github.com/filedex/filedex/internal/retrieval"
	"github.com/filedex/filedex/internal/storage"
)

const defaultTopK = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine    *retrieval.Engine
	Indexer   *indexer.Indexer
	Extractor *extract.Extractor
	Root      string
}

// NewMCPServer creates an MCP server with all filedex tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"filedex",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("filedex: semantic file index with tags and collections over a workspace directory."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_files",
			mcp.WithDescription("Semantically search indexed files, optionally narrowed to files carrying any of the given tags."),
			mcp.WithString("query", mcp.Description("Natural language search query")),
			mcp.WithArray("tags", mcp.Description("Optional tag filter; a result must carry at least one")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchFiles(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_tags",
			mcp.WithDescription("Suggest 3-5 tags for an indexed file based on its content sample."),
			mcp.WithString("path", mcp.Description("Workspace-relative file path"), mcp.Required()),
		),
		mcpSuggestTags(deps),
	)

	s.AddTool(
		mcp.NewTool("apply_tags",
			mcp.WithDescription("Apply tags to a file, creating missing tags. Already-applied tags are ignored."),
			mcp.WithString("path", mcp.Description("Workspace-relative file path"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Tags to apply"), mcp.Required()),
		),
		mcpApplyTags(deps),
	)

	s.AddTool(
		mcp.NewTool("get_file_tags",
			mcp.WithDescription("List the tags applied to a file, alphabetically."),
			mcp.WithString("path", mcp.Description("Workspace-relative file path"), mcp.Required()),
		),
		mcpGetFileTags(deps),
	)

	s.AddTool(
		mcp.NewTool("create_collection",
			mcp.WithDescription("Create a named collection of files."),
			mcp.WithString("name", mcp.Description("Collection name, unique"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Optional description")),
		),
		mcpCreateCollection(deps),
	)

	s.AddTool(
		mcp.NewTool("add_to_collection",
			mcp.WithDescription("Add files to an existing collection. Already-present files are skipped."),
			mcp.WithString("name", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithArray("paths", mcp.Description("Workspace-relative file paths"), mcp.Required()),
		),
		mcpAddToCollection(deps),
	)

	s.AddTool(
		mcp.NewTool("get_collection_files",
			mcp.WithDescription("List a collection's files in the order they were added."),
			mcp.WithString("name", mcp.Description("Collection name"), mcp.Required()),
		),
		mcpGetCollectionFiles(deps),
	)

	s.AddTool(
		mcp.NewTool("list_files",
			mcp.WithDescription("List files in a workspace directory. A plain listing, not an index query."),
			mcp.WithString("directory", mcp.Description("Workspace-relative directory (default: workspace root)")),
			mcp.WithString("pattern", mcp.Description("Glob pattern on file names, e.g. *.py")),
		),
		mcpListFiles(deps),
	)

	s.AddTool(
		mcp.NewTool("read_file",
			mcp.WithDescription("Read the text content of a workspace file."),
			mcp.WithString("path", mcp.Description("Workspace-relative file path"), mcp.Required()),
		),
		mcpReadFile(deps),
	)

	s.AddTool(
		mcp.NewTool("index_files",
			mcp.WithDescription("Index or re-index a file or directory subtree so it becomes searchable."),
			mcp.WithString("path", mcp.Description("Workspace-relative file or directory; empty indexes the whole workspace")),
			mcp.WithBoolean("force", mcp.Description("Re-embed even unchanged files")),
		),
		mcpIndexFiles(deps),
	)

	return s
}

func mcpSearchFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		tags := req.GetStringSlice("tags", nil)
		topK := req.GetInt("top_k", defaultTopK)

		results, err := deps.Engine.Search(ctx, query, tags, "", topK)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		return mcpJSON(map[string]any{
			"status":  "success",
			"results": results,
			"count":   len(results),
		})
	}
}

func mcpSuggestTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		tags, err := deps.Engine.SuggestTags(ctx, p)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("file not indexed: %s", p)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("suggestion failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status":         "success",
			"path":           p,
			"suggested_tags": tags,
		})
	}
}

func mcpApplyTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		tags := req.GetStringSlice("tags", nil)
		if len(tags) == 0 {
			return mcpError("tags is required"), nil
		}

		applied, err := deps.Engine.ApplyTags(p, tags)
		if errors.Is(err, storage.ErrUnknownFile) {
			return mcpError(fmt.Sprintf("unknown file: %s", p)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to apply tags: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status":       "success",
			"path":         p,
			"applied_tags": applied,
		})
	}
}

func mcpGetFileTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		tags, err := deps.Engine.GetTags(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get tags: %v", err)), nil
		}
		if tags == nil {
			tags = []string{}
		}
		return mcpJSON(map[string]any{
			"status": "success",
			"path":   p,
			"tags":   tags,
		})
	}
}

func mcpCreateCollection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		description := req.GetString("description", "")

		coll, err := deps.Engine.CreateCollection(name, description)
		if errors.Is(err, storage.ErrDuplicateName) {
			return mcpError(fmt.Sprintf("collection already exists: %s", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create collection: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status": "success",
			"collection": map[string]any{
				"name":        coll.Name,
				"description": coll.Description,
				"created_at":  coll.CreatedAt,
			},
		})
	}
}

func mcpAddToCollection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		paths := req.GetStringSlice("paths", nil)
		if len(paths) == 0 {
			return mcpError("paths is required"), nil
		}

		added, err := deps.Engine.AddToCollection(name, paths)
		if errors.Is(err, storage.ErrUnknownCollection) {
			return mcpError(fmt.Sprintf("unknown collection: %s", name)), nil
		}
		if errors.Is(err, storage.ErrUnknownFile) {
			return mcpError(fmt.Sprintf("failed to add: %v", err)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add to collection: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status":      "success",
			"name":        name,
			"added_count": added,
		})
	}
}

func mcpGetCollectionFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		files, err := deps.Engine.GetCollectionFiles(name)
		if errors.Is(err, storage.ErrUnknownCollection) {
			return mcpError(fmt.Sprintf("unknown collection: %s", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list collection: %v", err)), nil
		}
		if files == nil {
			files = []string{}
		}
		return mcpJSON(map[string]any{
			"status": "success",
			"name":   name,
			"files":  files,
			"count":  len(files),
		})
	}
}

func mcpListFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir := req.GetString("directory", ".")
		pattern := req.GetString("pattern", "")

		files, err := listWorkspaceFiles(deps.Root, dir, pattern)
		if errors.Is(err, extract.ErrPathEscape) {
			return mcpError(fmt.Sprintf("directory escapes workspace: %s", dir)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list files: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status": "success",
			"files":  files,
			"count":  len(files),
		})
	}
}

func mcpReadFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		content, err := deps.Extractor.ReadText(p)
		if errors.Is(err, extract.ErrPathEscape) {
			return mcpError(fmt.Sprintf("path escapes workspace: %s", p)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read file: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"status":  "success",
			"path":    p,
			"content": content,
		})
	}
}

func mcpIndexFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p := req.GetString("path", "")
		force := req.GetBool("force", false)

		// A path naming a regular file indexes one file; anything else is
		// treated as a subtree.
		if p != "" {
			abs, err := extract.ResolvePath(deps.Root, p)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid path: %v", err)), nil
			}
			if info, err := os.Stat(abs); err == nil && !info.IsDir() {
				outcome, err := deps.Indexer.IndexFile(ctx, p, force)
				if err != nil {
					return mcpError(fmt.Sprintf("failed to index %s: %v", p, err)), nil
				}
				return mcpJSON(map[string]any{
					"status":  "success",
					"path":    p,
					"outcome": string(outcome),
				})
			}
		}

		report, err := deps.Indexer.IndexTree(ctx, p, force)
		if err != nil {
			return mcpError(fmt.Sprintf("index run failed: %v", err)), nil
		}
		failed := make([]string, len(report.Failed))
		for i, f := range report.Failed {
			failed[i] = fmt.Sprintf("%s: %v", f.Path, f.Err)
		}
		return mcpJSON(map[string]any{
			"status":  "success",
			"indexed": report.Indexed,
			"skipped": report.Skipped,
			"removed": report.Removed,
			"failed":  failed,
		})
	}
}

// listWorkspaceFiles returns workspace-relative paths of regular files
// directly inside dir, sorted, optionally filtered by a name glob.
func listWorkspaceFiles(root, dir, pattern string) ([]string, error) {
	abs, err := extract.ResolvePath(root, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		if pattern != "" {
			ok, err := path.Match(pattern, entry.Name())
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		rel := entry.Name()
		if dir != "" && dir != "." {
			rel = path.Join(dir, entry.Name())
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
