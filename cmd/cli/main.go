package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	timeout   string
	language  string
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for polyglot-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "javascript", "Language (javascript, typescript, python, php)")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	root.AddCommand(execFileCmd)

	// Static analysis without execution
	analyzeCmd := &cobra.Command{
		Use:   "analyze [code]",
		Short: "Analyze code for security issues without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	root.AddCommand(analyzeCmd)

	// Stop the in-flight execution
	root.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the in-flight execution",
		RunE:  runStop,
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// Dispatcher status and supported languages
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show dispatcher status and supported languages",
		RunE:  runStatus,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func codeFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return executeCode(code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	// Auto-detect language from extension
	if language == "" {
		switch ext := filepath.Ext(args[0]); ext {
		case ".js":
			language = "javascript"
		case ".ts":
			language = "typescript"
		case ".py":
			language = "python"
		case ".php":
			language = "php"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
		"timeout":  timeout,
	}

	result, err := post("/execute", payload, 70*time.Second)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit nonzero if any error event was produced
	if events, ok := result["events"].([]any); ok {
		for _, raw := range events {
			if ev, ok := raw.(map[string]any); ok && ev["kind"] == "error" {
				os.Exit(1)
			}
		}
	}

	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}

	result, err := post("/analyze", map[string]any{"code": code}, 10*time.Second)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if safe, ok := result["safe"].(bool); ok && !safe {
		os.Exit(1)
	}
	return nil
}

func runStop(_ *cobra.Command, _ []string) error {
	result, err := post("/stop", map[string]any{}, 10*time.Second)
	if err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	return getJSON("/status")
}

func runList(_ *cobra.Command, _ []string) error {
	return getJSON("/executions")
}

func post(path string, payload map[string]any, clientTimeout time.Duration) (map[string]any, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

func getJSON(path string) error {
	req, _ := http.NewRequest("GET", serverURL+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
