// Package main is the entry point for workflowctl, the workflow CLI.
// It validates definitions locally and drives runs, approvals, and change
// proposals through the agentops HTTP API. Every command prints a single
// JSON envelope to stdout; diagnostics go to stderr.
//
// Exit codes: 0 on success, 20 when the workflow hash moved under the
// caller, 1 for everything else.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/workflow"
)

const exitHashMismatch = 20

var (
	serverURL   string
	bearerToken string
)

var rootCmd = &cobra.Command{
	Use:           "workflowctl",
	Short:         "Manage agentops workflows",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("AGENTOPS_SERVER", "http://localhost:8080"), "agentops server base URL")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token",
		os.Getenv("AGENTOPS_TOKEN"), "bearer token for the agentops API")

	rootCmd.AddCommand(validateCmd(), runCmd(), resumeCmd(), proposeCmd())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errSilent) {
			os.Exit(1)
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			emit(map[string]interface{}{
				"ok":     false,
				"status": "error",
				"code":   apiErr.Code,
				"detail": apiErr.Detail,
			})
			if apiErr.Code == "HASH_MISMATCH" || apiErr.Code == "STALE_BASE" {
				fmt.Fprintf(os.Stderr, "Workflow hash mismatch: %s\n", apiErr.Detail)
				os.Exit(exitHashMismatch)
			}
			fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", apiErr.Detail, apiErr.Code)
			os.Exit(1)
		}
		emit(map[string]interface{}{"ok": false, "status": "error", "detail": err.Error()})
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>",
		Short: "Validate a workflow definition and print its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.ParseDefinition(raw)
			if err != nil {
				return err
			}
			if err := workflow.ValidateDefinition(def); err != nil {
				return err
			}
			hash, err := workflow.HashDefinition(raw)
			if err != nil {
				return err
			}
			emit(map[string]interface{}{
				"ok":           true,
				"status":       "valid",
				"workflowHash": hash,
			})
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var (
		hash    string
		trigger string
		vars    []string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id-or-slug>",
		Short: "Start an execution pinned to a workflow hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}
			var resp struct {
				Execution        *workflow.Execution `json:"execution"`
				RequiresApproval *struct {
					ResumeToken string `json:"resumeToken"`
				} `json:"requiresApproval"`
			}
			err = newClient().do(http.MethodPost, "/api/workflows/"+args[0]+"/run", map[string]interface{}{
				"workflowHash": hash,
				"trigger":      trigger,
				"variables":    variables,
			}, &resp)
			if err != nil {
				return err
			}
			envelope := map[string]interface{}{
				"ok":           resp.Execution.Status == workflow.ExecSucceeded || resp.Execution.Status == workflow.ExecNeedsApproval,
				"status":       string(resp.Execution.Status),
				"executionId":  resp.Execution.ID,
				"workflowHash": resp.Execution.WorkflowHash,
			}
			if resp.RequiresApproval != nil {
				envelope["resumeToken"] = resp.RequiresApproval.ResumeToken
			}
			if resp.Execution.Error != "" {
				envelope["error"] = resp.Execution.Error
			}
			emit(envelope)
			if resp.Execution.Status == workflow.ExecFailed {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "expected workflow hash (rejected if it moved)")
	_ = cmd.MarkFlagRequired("hash")
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger label recorded on the execution")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "execution variable as key=value (repeatable)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var (
		resumeToken string
		deny        bool
		reason      string
		vars        []string
	)
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Present an approval decision against a suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}
			var resp struct {
				Success bool   `json:"success"`
				Status  string `json:"status"`
			}
			err = newClient().do(http.MethodPost, "/api/executions/"+args[0]+"/approve", map[string]interface{}{
				"approve":     !deny,
				"resumeToken": resumeToken,
				"reason":      reason,
				"variables":   variables,
			}, &resp)
			if err != nil {
				return err
			}
			emit(map[string]interface{}{
				"ok":          resp.Success,
				"status":      resp.Status,
				"executionId": args[0],
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&resumeToken, "resume-token", "", "token from the needs_approval response (required)")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "decision note recorded on the gate")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable override as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("resume-token")
	return cmd
}

func proposeCmd() *cobra.Command {
	var (
		file      string
		baseHash  string
		diffFile  string
		execution string
		session   string
	)
	cmd := &cobra.Command{
		Use:   "propose <workflow-id-or-slug>",
		Short: "Submit a definition change proposal against a base hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := loadDefinition(file)
			if err != nil {
				return err
			}
			body := map[string]interface{}{
				"baseWorkflowHash": baseHash,
				"proposal":         json.RawMessage(raw),
			}
			if diffFile != "" {
				diff, err := os.ReadFile(diffFile)
				if err != nil {
					return fmt.Errorf("failed to read diff file: %w", err)
				}
				body["diffText"] = string(diff)
			}
			if execution != "" {
				body["executionId"] = execution
			}
			if session != "" {
				body["proposedBySessionId"] = session
			}
			var resp struct {
				Proposal *workflow.Proposal `json:"proposal"`
			}
			err = newClient().do(http.MethodPost, "/api/workflows/"+args[0]+"/proposals", body, &resp)
			if err != nil {
				return err
			}
			emit(map[string]interface{}{
				"ok":         true,
				"status":     string(resp.Proposal.Status),
				"proposalId": resp.Proposal.ID,
				"baseHash":   resp.Proposal.BaseHash,
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "proposed definition file, YAML or JSON (required)")
	cmd.Flags().StringVar(&baseHash, "base-hash", "", "workflow hash the proposal is based on (required)")
	cmd.Flags().StringVar(&diffFile, "diff-file", "", "human-readable diff attached to the proposal")
	cmd.Flags().StringVar(&execution, "execution", "", "execution that motivated the proposal")
	cmd.Flags().StringVar(&session, "session", "", "session id submitting the proposal")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("base-hash")
	return cmd
}

// errSilent carries a nonzero exit after the envelope was already printed.
var errSilent = errors.New("command failed")

// loadDefinition reads a definition file and returns it as JSON. YAML input
// is converted; JSON passes through untouched so its hash is stable.
func loadDefinition(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	if json.Valid(raw) {
		return raw, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("definition is neither valid JSON nor YAML: %w", err)
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert definition to JSON: %w", err)
	}
	return converted, nil
}

// parseVars turns repeated key=value flags into a variables map. Values that
// parse as JSON keep their type; everything else stays a string.
func parseVars(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			vars[key] = parsed
		} else {
			vars[key] = value
		}
	}
	return vars, nil
}

func emit(envelope map[string]interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(envelope)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError is the structured error body the gateway returns.
type apiError struct {
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	StatusCode int    `json:"-"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *client {
	return &client{
		base:  strings.TrimRight(serverURL, "/"),
		token: bearerToken,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "INTERNAL"
			apiErr.Detail = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
