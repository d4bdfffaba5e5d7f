// Package main implements reconctl, the CLI for operating a recond daemon
// over its HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/fyrsmithlabs/recond/internal/http"
)

var (
	// serverURL is the base URL for the recond HTTP server
	serverURL string
	// tenantID scopes every tenant command
	tenantID string
	// timeout bounds each request; batch runs may need more
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reconctl",
	Short: "CLI for recond reconciliation daemon",
	Long: `reconctl is a command-line interface for the recond HTTP API.
It stages records, runs batches, reviews decisions and inspects learning state.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RECOND_URL", "http://127.0.0.1:9191"), "recond server URL")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("RECOND_TENANT"), "tenant ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")

	recordsCmd.AddCommand(recordsImportCmd, recordsListCmd)
	rootCmd.AddCommand(healthCmd, statusCmd, recordsCmd, runCmd, logsCmd, feedbackCmd, reflectCmd, reflectionsCmd, patternsCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// call sends body as JSON (when non-nil) and decodes the answer into out
// (when non-nil).
func call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		var e apihttp.ErrorResponse
		if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
			e.Error = string(bytes.TrimSpace(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// tenantPath builds /api/v1/tenants/<tenant><suffix>.
func tenantPath(suffix string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant is required (--tenant or RECOND_TENANT)")
	}
	return "/api/v1/tenants/" + url.PathEscape(tenantID) + suffix, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
