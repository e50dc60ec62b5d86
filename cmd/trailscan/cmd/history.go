package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/psantana5/trailscan/pkg/auth"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/spf13/cobra"
)

var historyName string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List persisted analyses, newest first",
	RunE:  runHistory,
}

var keysCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and the bcrypt hash for auth.api_key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		out := map[string]string{"api_key": key, "hash": hash}
		if handled, err := printStructured(out); handled {
			return err
		}
		fmt.Printf("API key (give to clients as client.api_key):\n  %s\n\n", key)
		fmt.Printf("Hash (set as auth.api_key on the server):\n  %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(keysCmd)
	historyCmd.Flags().StringVar(&historyName, "name", "", "show the latest record for this original filename")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := "/history"
	if historyName != "" {
		path += "?original_name=" + url.QueryEscape(historyName)
	}

	var result struct {
		Records []models.AnalysisRecord `json:"records"`
		Count   int                     `json:"count"`
	}
	if err := apiCall("GET", path, nil, &result, 200); err != nil {
		return err
	}
	if handled, err := printStructured(result); handled {
		return err
	}

	table := newTable("Record", "Video", "Model", "FPS", "Species", "Duration", "Analyzed")
	for _, r := range result.Records {
		names := make([]string, 0, len(r.Result.Species))
		for _, s := range r.Result.Species {
			names = append(names, fmt.Sprintf("%s x%d", s.CommonName, s.Count))
		}
		table.Append(
			r.ID,
			r.OriginalName,
			r.Model,
			fmt.Sprintf("%g", r.FPS),
			truncate(strings.Join(names, ", "), 50),
			fmt.Sprintf("%.0fs", r.Result.DurationSeconds),
			formatTime(&r.CreatedAt),
		)
	}
	table.Render()
	fmt.Printf("\nTotal: %d records\n", result.Count)
	return nil
}
