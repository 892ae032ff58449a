// Package main implements memctl, a CLI for the memoryd HTTP API.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	memhttp "github.com/fyrsmithlabs/memoryd/internal/http"
	"github.com/fyrsmithlabs/memoryd/internal/manager"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	server  string
	user    string
	timeout time.Duration
	json    bool
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.timeout)
}

func (o *globalOptions) owner() (string, error) {
	if o.user == "" {
		return "", errors.New("--user is required (or set MEMCTL_USER)")
	}
	return o.user, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "memctl",
		Short: "CLI for memoryd",
		Long: `memctl talks to a running memoryd daemon.

Examples:
  # Record a turn and read it back
  memctl --user alice remember "I just adopted a cat named Miso"
  memctl --user alice history

  # Ask what memoryd knows
  memctl --user alice context "pets"

  # Export to a spreadsheet
  memctl --user alice export -o alice.xlsx`,
		Version:      version,
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("MEMCTL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:9191"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "memoryd server URL")
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", os.Getenv("MEMCTL_USER"), "user whose memory to operate on")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newRememberCmd(opts),
		newHistoryCmd(opts),
		newContextCmd(opts),
		newSearchCmd(opts),
		newGetCmd(opts),
		newIngestCmd(opts),
		newTagsCmd(opts),
		newExportCmd(opts),
		newForgetCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check memoryd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp memhttp.HealthResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer URL: %s\n", resp.Status, opts.server)
			return nil
		},
	}
}

func newRememberCmd(opts *globalOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Append a message to the short-term buffer",
		Long: `Append a message to the user's short-term buffer.

With no argument, or "-", each non-empty line of stdin is one message.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			var contents []string
			if len(args) == 0 || args[0] == "-" {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						contents = append(contents, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				contents = []string{args[0]}
			}
			if len(contents) == 0 {
				return errors.New("no messages to remember")
			}

			req := memhttp.AppendRequest{Messages: make([]memory.Message, len(contents))}
			for i, c := range contents {
				req.Messages[i] = memory.Message{Role: memory.Role(role), Content: c}
			}
			var resp memhttp.AppendResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, userPath(owner, "/messages"), nil, req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted %d message(s) for %s\n", resp.Accepted, owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(memory.RoleUser), "message role: user or assistant")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the short-term buffer, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp memhttp.MessagesResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, userPath(owner, "/messages"), q, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printMessages(cmd.OutOrStdout(), resp.Messages)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "most recent messages to show (0 for server default)")
	return cmd
}

func printMessages(w io.Writer, msgs []memory.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.DateTime), m.Role, m.Content)
	}
}

func newContextCmd(opts *globalOptions) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Show the retrieval context for a query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			q := url.Values{}
			if len(args) == 1 {
				q.Set("q", args[0])
			}
			if topK > 0 {
				q.Set("top_k", strconv.Itoa(topK))
			}
			var resp manager.ContextResult
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, userPath(owner, "/context"), q, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Memories:")
			if resp.Memories == "" {
				fmt.Fprintln(w, "  (none)")
			}
			for _, line := range strings.Split(resp.Memories, "\n") {
				if line != "" {
					fmt.Fprintf(w, "  %s\n", line)
				}
			}
			fmt.Fprintln(w, "\nRecent messages:")
			printMessages(w, resp.Messages)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum vector hits")
	return cmd
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search long-term memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			q := url.Values{"q": {args[0]}}
			if topK > 0 {
				q.Set("top_k", strconv.Itoa(topK))
			}
			var resp memhttp.SearchResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, userPath(owner, "/memories/search"), q, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printRecords(cmd.OutOrStdout(), resp.Results)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum vector hits")
	return cmd
}

func printRecords(out io.Writer, items []memory.ScoredRecord) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAG\tSIMILARITY\tIMPORTANCE\tSUMMARY")
	for _, it := range items {
		sim := "-"
		if it.HasSimilarity {
			sim = fmt.Sprintf("%.3f", it.Similarity)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", it.ID, it.Tag, sim, it.Importance, truncate(it.Summary, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one long-term memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			var rec memory.Record
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, userPath(owner, "/memories/"+url.PathEscape(args[0])), nil, nil, &rec); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%s\n", rec.ID)
			fmt.Fprintf(w, "Summary:\t%s\n", rec.Summary)
			fmt.Fprintf(w, "Tag:\t%s\n", rec.Tag)
			fmt.Fprintf(w, "Importance:\t%.3f\n", rec.Importance)
			fmt.Fprintf(w, "Confidence:\t%.3f\n", rec.Confidence)
			fmt.Fprintf(w, "Entities:\t%s\n", strings.Join(rec.Entities, ", "))
			fmt.Fprintf(w, "Last accessed:\t%s\n", rec.LastAccessed.Local().Format(time.RFC3339))
			return w.Flush()
		},
	}
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	var (
		tag      string
		entities []string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "ingest [summary]",
		Short: "Store memories directly, skipping extraction",
		Long: `Store memories directly, skipping extraction.

Either give one summary with --tag, or --file with a JSON object mapping
tags to candidate lists:

  {"pets": [{"summary": "has a cat named Miso", "entities": ["Miso"]}]}`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			var req memhttp.IngestRequest
			switch {
			case file != "":
				data, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &req.Memories); err != nil {
					return fmt.Errorf("failed to parse %s: %w", file, err)
				}
			case len(args) == 1:
				req.Memories = map[string][]memory.Candidate{
					tag: {{Summary: args[0], Entities: entities}},
				}
			default:
				return errors.New("give a summary or --file")
			}

			var resp memhttp.IngestResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, userPath(owner, "/memories"), nil, req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Stored %d new of %d candidate(s)\n", len(resp.Added), resp.Candidates)
			for _, rec := range resp.Added {
				fmt.Fprintf(w, "  %s  [%s] %s\n", rec.ID, rec.Tag, rec.Summary)
			}
			if resp.GraphError != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "[memctl] graph not updated: %s\n", resp.GraphError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "general", "tag for a single summary")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "entity mentioned in the summary (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file of tagged candidates, - for stdin")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

func newTagsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List the user's tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			var resp memhttp.TagsResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, userPath(owner, "/tags"), nil, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Tags) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tags yet.")
				return nil
			}
			for _, t := range resp.Tags {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the user's memories as an xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			if output == "" {
				output = owner + "_memories.xlsx"
			}
			if output == "-" {
				_, err := opts.client().download(cmd.Context(), userPath(owner, "/export"), cmd.OutOrStdout())
				return err
			}

			tmp, err := os.CreateTemp(dirOf(output), ".memctl-export-*.xlsx")
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer os.Remove(tmp.Name())

			n, err := opts.client().download(cmd.Context(), userPath(owner, "/export"), tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), output); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path, - for stdout (default <user>_memories.xlsx)")
	return cmd
}

func dirOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[:i+1]
	}
	return "."
}

func newForgetCmd(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete everything stored for the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := opts.owner()
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to delete all memory for %s without --yes", owner)
			}
			var resp memhttp.DeleteResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodDelete, userPath(owner, ""), nil, nil, &resp, http.StatusInternalServerError); err != nil {
				return err
			}
			if opts.json {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else {
				printDeleteReport(cmd.OutOrStdout(), resp)
			}
			if resp.Status != "complete" {
				return fmt.Errorf("deletion %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func printDeleteReport(out io.Writer, resp memhttp.DeleteResponse) {
	fmt.Fprintf(out, "Deletion for %s: %s\n", resp.Owner, resp.Status)
	targets := make([]string, 0, len(resp.Targets))
	for t := range resp.Targets {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range targets {
		fmt.Fprintf(w, "  %s\t%s\n", t, resp.Targets[t])
	}
	_ = w.Flush()
}
