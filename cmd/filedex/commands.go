package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/filedex/filedex/internal/config"
	"github.com/filedex/filedex/internal/engine"
	"github.com/filedex/filedex/internal/extract"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index the workspace, a subtree, or a single file",
	Long: `Index workspace files into the search index.

Examples:
  filedex index                  index the whole workspace
  filedex index code             index only the code/ subtree
  filedex index notes/plan.txt   index one file
  filedex index --force          re-embed everything`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		target := ""
		if len(args) == 1 {
			target = args[0]
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		ctx := cmd.Context()
		if err := engine.EnsureReady(ctx, app.ollama, app.cfg.Ollama.EmbedModel, "", cmd.ErrOrStderr()); err != nil {
			return err
		}

		if target != "" {
			abs, err := extract.ResolvePath(app.cfg.Workspace.Root, target)
			if err != nil {
				return err
			}
			if info, err := os.Stat(abs); err == nil && !info.IsDir() {
				outcome, err := app.indexer.IndexFile(ctx, target, force)
				if err != nil {
					return err
				}
				printSuccess("%s: %s", target, outcome)
				return nil
			}
		}

		report, err := app.indexer.IndexTree(ctx, target, force)
		if err != nil {
			return err
		}

		printSuccess("Indexed %d, skipped %d, removed %d", report.Indexed, report.Skipped, report.Removed)
		for _, f := range report.Failed {
			printError("%s: %v", f.Path, f.Err)
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d files failed to index", len(report.Failed))
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().Bool("force", false, "re-embed files even when unchanged")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed files",
	Long: `Search indexed files by meaning, optionally narrowed by tags.

Examples:
  filedex search machine learning experiments
  filedex search --tags work,draft quarterly report
  filedex search --tags finance --top-k 20 ""`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		tagsStr, _ := cmd.Flags().GetString("tags")
		topK, _ := cmd.Flags().GetInt("top-k")
		category, _ := cmd.Flags().GetString("category")

		var tags []string
		if tagsStr != "" {
			tags = strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		results, err := app.engine.Search(cmd.Context(), query, tags, category, topK)
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s %s [score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("%d.", i+1)), r.Path, r.Similarity)
			if len(r.Tags) > 0 {
				fmt.Printf("   Tags: %s\n", strings.Join(r.Tags, ", "))
			}
			sample := r.ContentSample
			if len(sample) > 200 {
				sample = sample[:200] + "..."
			}
			if sample != "" {
				fmt.Printf("   %s\n", sample)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("tags", "", "comma-separated tag filter")
	searchCmd.Flags().Int("top-k", 10, "maximum number of results")
	searchCmd.Flags().String("category", "", "restrict to a category (document, code, note, other)")
}

// --- tag ---

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Suggest, apply, and list file tags",
}

var tagSuggestCmd = &cobra.Command{
	Use:   "suggest <path>",
	Short: "Suggest tags for an indexed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		tags, err := app.engine.SuggestTags(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(tags, ", "))
		return nil
	},
}

var tagApplyCmd = &cobra.Command{
	Use:   "apply <path> <tag>...",
	Short: "Apply tags to a file",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		applied, err := app.engine.ApplyTags(args[0], args[1:])
		if err != nil {
			return err
		}
		printSuccess("Applied: %s", strings.Join(applied, ", "))
		return nil
	},
}

var tagListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List a file's tags, or the whole tag vocabulary",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		var tags []string
		if len(args) == 1 {
			tags, err = app.engine.GetTags(args[0])
		} else {
			tags, err = app.engine.ListAllTags()
		}
		if err != nil {
			return err
		}
		if len(tags) == 0 {
			fmt.Println("No tags.")
			return nil
		}
		fmt.Println(strings.Join(tags, ", "))
		return nil
	},
}

func init() {
	tagCmd.AddCommand(tagSuggestCmd)
	tagCmd.AddCommand(tagApplyCmd)
	tagCmd.AddCommand(tagListCmd)
}

// --- collection ---

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage named collections of files",
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		coll, err := app.engine.CreateCollection(args[0], description)
		if err != nil {
			return err
		}
		printSuccess("Created collection %s", coll.Name)
		return nil
	},
}

var collectionAddCmd = &cobra.Command{
	Use:   "add <name> <path>...",
	Short: "Add files to a collection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		added, err := app.engine.AddToCollection(args[0], args[1:])
		if err != nil {
			return err
		}
		printSuccess("Added %d file(s) to %s", added, args[0])
		return nil
	},
}

var collectionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "List a collection's files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		files, err := app.engine.GetCollectionFiles(args[0])
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("Collection is empty.")
			return nil
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		colls, err := app.engine.ListCollections()
		if err != nil {
			return err
		}
		if len(colls) == 0 {
			fmt.Println("No collections.")
			return nil
		}
		for _, c := range colls {
			line := colorize(colorBold, c.Name)
			if c.Description != "" {
				line += "  " + c.Description
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	collectionCreateCmd.Flags().String("description", "", "collection description")
	collectionCmd.AddCommand(collectionCreateCmd)
	collectionCmd.AddCommand(collectionAddCmd)
	collectionCmd.AddCommand(collectionShowCmd)
	collectionCmd.AddCommand(collectionListCmd)
}

// --- remove ---

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a file from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.indexer.RemoveFile(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Removed %s from the index", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
