// Command custodyctl is the operator CLI for the custody core: it talks to
// a running custodyd's /ops and /api/v1 HTTP surface over bearer auth,
// following cmd/nhb-cli/main.go's os.Args[1] subcommand-switch shape rather
// than a flag-package-based command tree.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultBaseURL = "http://localhost:7443"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := envOr("CUSTODYCTL_ADDR", defaultBaseURL)
	token := os.Getenv("CUSTODYCTL_TOKEN")
	client := &httpClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	var err error
	switch os.Args[1] {
	case "create-partition":
		err = cmdCreatePartition(client, os.Args[2:])
	case "provision-wallet":
		err = cmdProvisionWallet(client, os.Args[2:])
	case "get-intent":
		err = cmdGetIntent(client, os.Args[2:])
	case "sweep":
		err = cmdSweep(client, os.Args[2:])
	default:
		fmt.Printf("unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: custodyctl <command> [args]")
	fmt.Println("commands:")
	fmt.Println("  create-partition <name>")
	fmt.Println("  provision-wallet <partition-id> <cold|hot> <path-suffix> <name>")
	fmt.Println("  get-intent <intent-id>")
	fmt.Println("  sweep")
}

func cmdCreatePartition(c *httpClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("create-partition requires a name")
	}
	return c.postJSON("/ops/partitions", map[string]string{"name": args[0]})
}

func cmdProvisionWallet(c *httpClient, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("provision-wallet requires <partition-id> <cold|hot> <path-suffix> <name>")
	}
	return c.postJSON("/ops/wallets", map[string]string{
		"partitionId": args[0],
		"class":       args[1],
		"pathSuffix":  args[2],
		"name":        args[3],
	})
}

func cmdGetIntent(c *httpClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("get-intent requires an intent id")
	}
	return c.get("/api/v1/intents/" + args[0])
}

func cmdSweep(c *httpClient, _ []string) error {
	return c.postJSON("/ops/sweep", nil)
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *httpClient) postJSON(path string, body any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *httpClient) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *httpClient) do(req *http.Request) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	fmt.Println(string(body))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
