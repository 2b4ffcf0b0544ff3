package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/config"
)

const clientTimeout = 5 * time.Second

var apiURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Control API base URL (default derived from server.bind_address and server.api_port)")
}

// apiBase returns the control API base URL for client commands.
func apiBase() (string, error) {
	if apiURL != "" {
		return apiURL, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// Clients on another host may not have the server's config file
		if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
			return "", fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg, err = config.Load(""); err != nil {
			return "", fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.APIPort), nil
}

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// call sends one request through agent and decodes a JSON response into out.
func call(agent *fiber.Agent, out any) (int, error) {
	code, body, errs := agent.Timeout(clientTimeout).Bytes()
	if len(errs) > 0 {
		return 0, fmt.Errorf("request failed: %w", errors.Join(errs...))
	}
	if code >= fiber.StatusBadRequest {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return code, fmt.Errorf("server returned %d: %s (request %s)", code, apiErr.Error, apiErr.RequestID)
		}
		return code, fmt.Errorf("server returned %d", code)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return code, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return code, nil
}
