// Command mcp serves ScanGuard reports to LLM clients as MCP tools over stdio.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/scanguard/internal/mcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scanguard-mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}
	return server.ServeStdio(mcpserver.NewMCPServer(cfg))
}

// loadConfig binds the tool server to one account's API key.
func loadConfig(getenv func(string) string) (mcpserver.Config, error) {
	cfg := mcpserver.Config{
		APIURL:    strings.TrimRight(getenv("SCANGUARD_API_URL"), "/"),
		APIKey:    getenv("SCANGUARD_API_KEY"),
		AccountID: getenv("SCANGUARD_ACCOUNT_ID"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "SCANGUARD_API_KEY")
	}
	if cfg.AccountID == "" {
		missing = append(missing, "SCANGUARD_ACCOUNT_ID")
	}
	if len(missing) > 0 {
		return cfg, errors.New(strings.Join(missing, " and ") + " must be set")
	}
	return cfg, nil
}
