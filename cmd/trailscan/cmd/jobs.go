package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/spf13/cobra"
)

var (
	// Shared analysis flags
	model string
	fps   float64

	// Job submit flags
	originalName string
	watchAfter   bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage single-video analysis jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <video-path>",
	Short: "Submit a video for analysis",
	Long: `Queue one video for species analysis. The path must be readable by the
server. Jobs beyond the dispatcher's concurrency limit wait in submission order.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a job. If no ID is provided, lists all jobs held by the server.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream job progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(args[0])
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsWatchCmd)

	jobsSubmitCmd.Flags().StringVar(&model, "model", "", "analysis model (required)")
	jobsSubmitCmd.Flags().Float64Var(&fps, "fps", 1, "frames per second to sample")
	jobsSubmitCmd.Flags().StringVar(&originalName, "name", "", "original filename (default: base name of the path)")
	jobsSubmitCmd.Flags().BoolVar(&watchAfter, "watch", false, "stream progress after submitting")
	jobsSubmitCmd.MarkFlagRequired("model")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	name := originalName
	if name == "" {
		name = filepath.Base(args[0])
	}
	req := models.JobRequest{
		Video:           models.Video{Path: args[0], OriginalName: name},
		AnalysisOptions: models.AnalysisOptions{Model: model, FPS: fps},
	}

	var job models.Job
	if err := apiCall("POST", "/jobs", req, &job, 202); err != nil {
		return err
	}

	if handled, err := printStructured(job); handled {
		return err
	}

	displayJob(&job)
	fmt.Printf("\nJob queued: %s\n", job.ID)

	if watchAfter {
		fmt.Println()
		return watchJob(job.ID)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs()
	}

	var job models.Job
	if err := apiCall("GET", "/jobs/"+args[0], nil, &job, 200); err != nil {
		return err
	}
	if handled, err := printStructured(job); handled {
		return err
	}
	displayJob(&job)
	if job.Result != nil {
		fmt.Println()
		displaySpecies(job.Result.Result.Species)
	}
	return nil
}

func listJobs() error {
	var result struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	if err := apiCall("GET", "/jobs", nil, &result, 200); err != nil {
		return err
	}
	if handled, err := printStructured(result); handled {
		return err
	}

	table := newTable("ID", "Video", "Model", "Status", "Progress", "Created", "Error")
	for _, job := range result.Jobs {
		table.Append(
			job.ID,
			job.Request.OriginalName,
			job.Request.Model,
			string(job.Status),
			fmt.Sprintf("%s %d%%", job.Progress.Stage, job.Progress.Percent),
			formatTime(&job.CreatedAt),
			truncate(job.Error, 40),
		)
	}
	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", result.Count)
	return nil
}

func displayJob(job *models.Job) {
	table := newTable("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Video", job.Request.OriginalName)
	table.Append("Path", job.Request.Path)
	table.Append("Model", job.Request.Model)
	table.Append("FPS", fmt.Sprintf("%g", job.Request.FPS))
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%s %d%%", job.Progress.Stage, job.Progress.Percent))
	table.Append("Created At", formatTime(&job.CreatedAt))
	table.Append("Started At", formatTime(job.StartedAt))
	table.Append("Completed At", formatTime(job.CompletedAt))
	if job.Result != nil {
		table.Append("Record", job.Result.ID)
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()
}

func displaySpecies(species []models.Species) {
	if len(species) == 0 {
		fmt.Println("No species identified")
		return
	}
	table := newTable("Species", "Scientific Name", "Count", "Confidence")
	for _, s := range species {
		table.Append(s.CommonName, s.ScientificName, fmt.Sprintf("%d", s.Count), fmt.Sprintf("%.0f%%", s.Confidence*100))
	}
	table.Render()
}

func watchJob(jobID string) error {
	return watchEvents("/jobs/"+jobID+"/events", func(e progress.Event, data json.RawMessage) {
		if outputFormat == "json" {
			fmt.Printf("{\"kind\":%q,\"timestamp\":%q,\"data\":%s}\n", e.Kind, e.Timestamp.Format(time.RFC3339Nano), orNull(data))
			return
		}

		ts := e.Timestamp.Local().Format("15:04:05")
		switch e.Kind {
		case progress.KindSnapshot:
			var job models.Job
			if json.Unmarshal(data, &job) == nil {
				fmt.Printf("[%s] %s is %s (%s %d%%)\n", ts, job.Request.OriginalName, job.Status, job.Progress.Stage, job.Progress.Percent)
			}
		case progress.KindProgress:
			var p models.Progress
			if json.Unmarshal(data, &p) == nil {
				fmt.Printf("[%s] %-10s %3d%%  %s\n", ts, p.Stage, p.Percent, p.Message)
			}
		case progress.KindComplete, progress.KindError:
			var job models.Job
			if err := json.Unmarshal(data, &job); err != nil {
				fmt.Printf("[%s] %s\n", ts, e.Kind)
				return
			}
			if job.Status == models.JobStatusFailed {
				fmt.Printf("[%s] ✗ Failed: %s\n", ts, job.Error)
				return
			}
			fmt.Printf("[%s] ✓ Completed\n\n", ts)
			if job.Result != nil {
				displaySpecies(job.Result.Result.Species)
			}
		default:
			fmt.Printf("[%s] %s\n", ts, strings.TrimSpace(string(e.Kind)))
		}
	})
}

func orNull(data json.RawMessage) string {
	if len(data) == 0 {
		return "null"
	}
	return string(data)
}
