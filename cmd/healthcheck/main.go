package main

import (
	"cmp"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirrobot01/streamfetch/internal/config"
)

// HealthStatus represents the status of the gateway endpoints
type HealthStatus struct {
	Gateway       bool `json:"gateway"`
	SizeAPI       bool `json:"size_api"`
	OverallStatus bool `json:"overall_status"`
}

func main() {
	var (
		configPath   string
		isBasicCheck bool
		debug        bool
	)
	flag.StringVar(&configPath, "config", "/data", "path to the data folder")
	flag.BoolVar(&isBasicCheck, "basic", false, "only check the health endpoint")
	flag.BoolVar(&debug, "debug", false, "enable debug mode for detailed output")
	flag.Parse()
	config.SetConfigPath(configPath)
	cfg := config.Get()
	// Get port from environment variable or use default
	port := getEnvOrDefault("STREAMFETCH_PORT", cfg.Port)

	status := HealthStatus{}

	// Create a context with timeout for all HTTP requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	baseUrl := cmp.Or(cfg.URLBase, "/")
	if !strings.HasPrefix(baseUrl, "/") {
		baseUrl = "/" + baseUrl
	}
	if !strings.HasSuffix(baseUrl, "/") {
		baseUrl += "/"
	}

	status.Gateway = checkHealth(ctx, baseUrl, port)

	if isBasicCheck {
		status.SizeAPI = true
	} else {
		status.SizeAPI = checkSizeAPI(ctx, baseUrl, port)
	}

	status.OverallStatus = status.Gateway && status.SizeAPI

	// Optional: output health status as JSON for logging
	if debug {
		statusJSON, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(statusJSON))
	}

	// Exit with appropriate code
	if status.OverallStatus {
		os.Exit(0)
	} else {
		os.Exit(1)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func checkHealth(ctx context.Context, baseUrl, port string) bool {
	url := fmt.Sprintf("http://localhost:%s%shealth", port, baseUrl)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// checkSizeAPI expects the gateway to reject a size request without a url
// with 400, or with 401 when basic auth is enabled.
func checkSizeAPI(ctx context.Context, baseUrl, port string) bool {
	url := fmt.Sprintf("http://localhost:%s%ssize", port, baseUrl)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnauthorized
}
