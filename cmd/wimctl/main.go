// Package main is the wimctl command line client for a wimcmd server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "wimctl",
	Short: "Compile workflows into waves and run them across images",
	Long:  "wimctl validates workflow definitions and drives batch image customization jobs on a wimcmd server",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:9004", "wimcmd server URL")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api", "a", "", "API key for the wimcmd server")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "raw JSON output")

	registerValidateCommand(rootCmd)
	registerSubmitCommand(rootCmd)
	registerBatchCommands(rootCmd)
	registerWorkflowCommands(rootCmd)
}

// doRequest performs an authenticated API request and decodes the
// JSON response into out (when non-nil).
func doRequest(method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth("wimcmd", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &struct {
			Err string `json:"error"`
		}{}
		if json.Unmarshal(respBody, apiErr) == nil && apiErr.Err != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Err)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// printJSON pretty prints v to stdout.
func printJSON(v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := os.Stdout.Write(buf.Bytes())
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
