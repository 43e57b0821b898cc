package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Exit codes: 0 success, 2 config error (including bad invocation),
// 3 instance already running, 4 runtime failure (daemon unreachable,
// operation failed).
const (
	exitOK             = 0
	exitConfig         = 2
	exitAlreadyRunning = 3
	exitRuntime        = 4
)

const usageText = `hedgectl - control client for the hedged daemon

Usage:
  hedgectl [-addr host:port] <command> [vault-id]

Commands:
  deploy <vault-id>       start the engine instance for a vault
  stop <vault-id>         stop the engine instance for a vault
  status [vault-id]       one vault's status, or all instances
  health                  daemon and instance health
  ack-breaker <vault-id>  acknowledge a tripped breaker (tripped -> cooling)
  unwind <vault-id>       run the emergency unwind for a vault
`

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "hedged control address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(exitConfig)
	}

	cmd := args[0]
	vault := ""
	if len(args) > 1 {
		vault = args[1]
	}

	var method, path string
	switch cmd {
	case "deploy":
		method, path = http.MethodPost, "/api/v1/vaults/"+vault+"/deploy"
	case "stop":
		method, path = http.MethodPost, "/api/v1/vaults/"+vault+"/stop"
	case "status":
		if vault == "" {
			method, path = http.MethodGet, "/api/v1/vaults"
		} else {
			method, path = http.MethodGet, "/api/v1/vaults/"+vault+"/status"
		}
	case "health":
		method, path = http.MethodGet, "/healthz"
	case "ack-breaker":
		method, path = http.MethodPost, "/api/v1/vaults/"+vault+"/breaker/ack"
	case "unwind":
		method, path = http.MethodPost, "/api/v1/vaults/"+vault+"/unwind"
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(exitConfig)
	}

	needsVault := cmd != "health" && !(cmd == "status" && vault == "")
	if needsVault && vault == "" {
		fmt.Fprintf(os.Stderr, "%s requires a vault id\n", cmd)
		os.Exit(exitConfig)
	}

	os.Exit(run(method, "http://"+*addr+path))
}

func run(method, url string) int {
	client := &http.Client{Timeout: 60 * time.Second}
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hedged unreachable: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		var pretty bytes.Buffer
		enc := json.NewEncoder(&pretty)
		enc.SetIndent("", "  ")
		enc.Encode(payload)
		fmt.Print(pretty.String())
	}

	return exitFor(resp.StatusCode, errorCode(payload))
}

// errorCode extracts the daemon's classified error code from a response
// body, empty when absent.
func errorCode(payload any) string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	code, _ := obj["code"].(string)
	return code
}

// exitFor maps the daemon's HTTP status and error class onto the exit-code
// contract.
func exitFor(status int, code string) int {
	if status < 400 {
		return exitOK
	}
	switch code {
	case "CONFIG_ERROR", "UNKNOWN_SYMBOL", "MISSING_CREDENTIALS":
		return exitConfig
	case "ALREADY_RUNNING":
		return exitAlreadyRunning
	default:
		return exitRuntime
	}
}
