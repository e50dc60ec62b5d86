package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/psantana5/trailscan/internal/config"
	tlsutil "github.com/psantana5/trailscan/pkg/tls"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string

	// v holds defaults, the optional config file and TRAILSCAN_* overrides
	v = config.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "trailscan",
	Short: "Species analysis for wildlife camera videos",
	Long: `trailscan runs species-identification analysis over trail camera videos.

Run "trailscan serve" to start the API server; the other commands talk to a
running server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trailscan/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trailscan API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
}

// initConfig reads in .env, the config file and ENV variables if set
func initConfig() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if err := config.ReadFile(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if serverURL == "" {
		serverURL = v.GetString("client.server_url")
	}
	if serverURL == "" {
		scheme := "http"
		if v.GetBool("server.tls.enabled") {
			scheme = "https"
		}
		serverURL = fmt.Sprintf("%s://localhost:%d", scheme, v.GetInt("server.port"))
	}
	apiKey = v.GetString("client.api_key")
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// GetHTTPClient returns the client used for non-streaming calls
func GetHTTPClient() *http.Client {
	client := newHTTPClient()
	client.Timeout = 30 * time.Second
	return client
}

// newHTTPClient honours client.ca_file and client.insecure for https servers
func newHTTPClient() *http.Client {
	if !strings.HasPrefix(GetServerURL(), "https://") {
		return &http.Client{}
	}
	tlsConfig, err := tlsutil.ClientConfig(v.GetString("client.ca_file"), v.GetBool("client.insecure"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using system roots\n", err)
		return &http.Client{}
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}}
}
