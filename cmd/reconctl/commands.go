package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	apihttp "github.com/fyrsmithlabs/recond/internal/http"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/reflection"
)

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check recond server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp apihttp.HealthResponse
		if err := call(cmd.Context(), http.MethodGet, "/health", nil, nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
		fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show version, uptime and dependency health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp apihttp.StatusResponse
		if err := call(cmd.Context(), http.MethodGet, "/api/v1/status", nil, nil, &resp); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Status:  %s\n", resp.Status)
		fmt.Fprintf(w, "Version: %s\n", resp.Version)
		fmt.Fprintf(w, "Uptime:  %s\n", resp.Uptime)
		if resp.Counts.Tenants >= 0 {
			fmt.Fprintf(w, "Tenants: %d\n", resp.Counts.Tenants)
		} else {
			fmt.Fprintf(w, "Tenants: ?\n")
		}
		names := make([]string, 0, len(resp.Services))
		for name := range resp.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-10s %s\n", name, resp.Services[name])
		}
		return nil
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Stage and list raw records",
}

var importBatch int

var recordsImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Stage raw records from a JSON file",
	Long: `Stage raw records for the next batch run.

The input is either a JSON array of records or an object with a "records"
array. Use - to read from stdin.

Examples:
  reconctl records import --tenant acme april.json
  cat april.json | reconctl records import -t acme -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/records")
		if err != nil {
			return err
		}
		raw, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		recs, err := decodeRecords(raw)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return errors.New("no records to import")
		}
		if importBatch < 1 {
			return errors.New("--batch must be positive")
		}

		staged := 0
		for start := 0; start < len(recs); start += importBatch {
			end := min(start+importBatch, len(recs))
			var resp apihttp.RecordsResponse
			if err := call(cmd.Context(), http.MethodPost, path, nil,
				apihttp.RecordsRequest{Records: recs[start:end]}, &resp); err != nil {
				return fmt.Errorf("staging records %d-%d: %w", start, end-1, err)
			}
			staged += resp.Staged
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Staged %d record(s) for %s\n", staged, tenantID)
		return nil
	},
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged raw records",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/records")
		if err != nil {
			return err
		}
		var resp apihttp.RecordListResponse
		if err := call(cmd.Context(), http.MethodGet, path, nil, nil, &resp); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func readInput(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", arg, err)
	}
	return b, nil
}

func decodeRecords(raw []byte) ([]record.Raw, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var recs []record.Raw
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decoding records: %w", err)
		}
		return recs, nil
	}
	var req apihttp.RecordsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	return req.Records, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation batch for the tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/runs")
		if err != nil {
			return err
		}
		var s orchestrator.BatchSummary
		if err := call(cmd.Context(), http.MethodPost, path, nil, nil, &s); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Elapsed)
		if s.Cancelled {
			fmt.Fprintf(w, "  INTERRUPTED: partial results\n")
		}
		fmt.Fprintf(w, "  processed:  %d of %d internal, %d external\n", s.Processed, s.Internal, s.External)
		fmt.Fprintf(w, "  matched:    %d\n", s.Matched)
		fmt.Fprintf(w, "  near-match: %d\n", s.NearMatch)
		fmt.Fprintf(w, "  unmatched:  %d\n", s.Unmatched)
		fmt.Fprintf(w, "  skipped:    %d (unchanged %d)\n", s.Skipped, s.Unchanged)
		fmt.Fprintf(w, "  rejected:   %d\n", s.Rejected)
		fmt.Fprintf(w, "  confidence: %.4f\n", s.AverageConfidence)
		for _, r := range s.Rejections {
			fmt.Fprintf(w, "    %s: %s\n", r.RecordID, r.Reason)
		}
		return nil
	},
}

var (
	logsStatus   string
	logsInternal string
	logsExternal string
	logsSince    string
	logsLimit    int
)

var logsCmd = &cobra.Command{
	Use:   "logs [log-id]",
	Short: "List reconciliation log entries, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			path, err := tenantPath("/logs/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var e reconlog.Entry
			if err := call(cmd.Context(), http.MethodGet, path, nil, nil, &e); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		}

		path, err := tenantPath("/logs")
		if err != nil {
			return err
		}
		q := url.Values{}
		for k, v := range map[string]string{
			"status":      logsStatus,
			"internal_id": logsInternal,
			"external_id": logsExternal,
			"since":       logsSince,
		} {
			if v != "" {
				q.Set(k, v)
			}
		}
		if logsLimit > 0 {
			q.Set("limit", strconv.Itoa(logsLimit))
		}
		var resp apihttp.LogsResponse
		if err := call(cmd.Context(), http.MethodGet, path, q, nil, &resp); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range resp.Entries {
			fmt.Fprintf(w, "%s  %-14s %-12s %-12s %s\n", e.ID, e.Status, e.InternalID, orDash(e.ExternalID), e.Score.StringFixed(4))
		}
		fmt.Fprintf(w, "%d entr(ies)\n", resp.Count)
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var (
	feedbackCorrect  bool
	feedbackExternal string
	feedbackVerifier string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <log-id>",
	Short: "Confirm or correct a logged decision",
	Long: `Record a reviewer verdict on one log entry.

Examples:
  # Confirm a near-match
  reconctl feedback -t acme 5f0c... --verifier ana

  # Reject a pairing
  reconctl feedback -t acme 5f0c... --correct

  # Reject it and name the right bank line
  reconctl feedback -t acme 5f0c... --correct --external B-2041`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/feedback")
		if err != nil {
			return err
		}
		ev := reconlog.FeedbackEvent{
			LogID:      args[0],
			Outcome:    reconlog.OutcomeConfirmed,
			VerifierID: feedbackVerifier,
		}
		if feedbackCorrect {
			ev.Outcome = reconlog.OutcomeCorrected
			ev.CorrectedExternalID = feedbackExternal
		} else if feedbackExternal != "" {
			return errors.New("--external requires --correct")
		}

		var res orchestrator.FeedbackResult
		if err := call(cmd.Context(), http.MethodPost, path, nil, ev, &res); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range res.Entries {
			fmt.Fprintf(w, "appended %s  %-14s %s -> %s\n", e.ID, e.Status, e.InternalID, orDash(e.ExternalID))
		}
		for _, u := range res.Updates {
			fmt.Fprintf(w, "learned  %s/%s success=%.4f usage=%d\n", u.Partition, u.Hash, u.Success, u.Usage)
		}
		if res.LearningError != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "[reconctl] learning update rejected: %s\n", res.LearningError)
		}
		return nil
	},
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run one reflection cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/reflections")
		if err != nil {
			return err
		}
		var snap reflection.Snapshot
		if err := call(cmd.Context(), http.MethodPost, path, nil, nil, &snap); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var reflectionsLimit int

var reflectionsCmd = &cobra.Command{
	Use:   "reflections",
	Short: "List reflection snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/reflections")
		if err != nil {
			return err
		}
		q := url.Values{"limit": {strconv.Itoa(reflectionsLimit)}}
		var resp apihttp.ReflectionsResponse
		if err := call(cmd.Context(), http.MethodGet, path, q, nil, &resp); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show learned pattern weights and success scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := tenantPath("/patterns")
		if err != nil {
			return err
		}
		var resp apihttp.PatternsResponse
		if err := call(cmd.Context(), http.MethodGet, path, nil, nil, &resp); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Thresholds: t_high=%.4f t_mid=%.4f (scope %s)\n", resp.Thresholds.High, resp.Thresholds.Mid, resp.Scope)
		for _, p := range resp.Patterns {
			fmt.Fprintf(w, "%-10s %v success=%.4f usage=%d\n", p.Partition, p.Names, p.Success, p.Usage)
		}
		return nil
	},
}

func init() {
	recordsImportCmd.Flags().IntVar(&importBatch, "batch", 500, "records per request")

	logsCmd.Flags().StringVar(&logsStatus, "status", "", "filter by status (Matched, Near_Match, Unmatched, Human_Verified, Disputed)")
	logsCmd.Flags().StringVar(&logsInternal, "internal", "", "filter by internal record id")
	logsCmd.Flags().StringVar(&logsExternal, "external", "", "filter by external record id")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries at or after this RFC 3339 time")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "maximum entries")

	feedbackCmd.Flags().BoolVar(&feedbackCorrect, "correct", false, "mark the decision as wrong")
	feedbackCmd.Flags().StringVar(&feedbackExternal, "external", "", "the external record that actually matches (with --correct)")
	feedbackCmd.Flags().StringVar(&feedbackVerifier, "verifier", os.Getenv("USER"), "reviewer id")

	reflectionsCmd.Flags().IntVar(&reflectionsLimit, "limit", 10, "maximum snapshots")
}
