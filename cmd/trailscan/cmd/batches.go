package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/spf13/cobra"
)

var (
	lazyBatch     bool
	expectedCount int
	batchWatch    bool
)

// batchesCmd represents the batches command
var batchesCmd = &cobra.Command{
	Use:     "batches",
	Aliases: []string{"batch"},
	Short:   "Manage batches of videos analyzed in order",
}

var batchesCreateCmd = &cobra.Command{
	Use:   "create [video-path...]",
	Short: "Create a batch",
	Long: `Create a batch sharing one model and fps. Videos start strictly in the
order given, one at a time.

With --lazy the batch starts empty; feed it with "batches add" and close it
with "batches complete".

Example:
  trailscan batches create --model wildlife-v2 /data/cam1/*.mp4
  trailscan batches create --lazy --model wildlife-v2 --expected 12`,
	RunE: runBatchesCreate,
}

var batchesAddCmd = &cobra.Command{
	Use:   "add <batch-id> <video-path>",
	Short: "Add a video to a lazy batch",
	Args:  cobra.ExactArgs(2),
	RunE:  runBatchesAdd,
}

var batchesCompleteCmd = &cobra.Command{
	Use:   "complete <batch-id>",
	Short: "Mark that no more videos will be added",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchAction(args[0], "complete", 200, "Uploads marked complete")
	},
}

var batchesCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a batch after the current video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchAction(args[0], "cancel", 202, "Cancellation requested")
	},
}

var batchesStatusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Get batch status",
	Long:  `Retrieve the status of a batch. If no ID is provided, lists all batches held by the server.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBatchesStatus,
}

var batchesWatchCmd = &cobra.Command{
	Use:   "watch <batch-id>",
	Short: "Stream batch events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchBatch(args[0])
	},
}

func init() {
	rootCmd.AddCommand(batchesCmd)
	batchesCmd.AddCommand(batchesCreateCmd)
	batchesCmd.AddCommand(batchesAddCmd)
	batchesCmd.AddCommand(batchesCompleteCmd)
	batchesCmd.AddCommand(batchesCancelCmd)
	batchesCmd.AddCommand(batchesStatusCmd)
	batchesCmd.AddCommand(batchesWatchCmd)

	batchesCreateCmd.Flags().StringVar(&model, "model", "", "analysis model (required)")
	batchesCreateCmd.Flags().Float64Var(&fps, "fps", 1, "frames per second to sample")
	batchesCreateCmd.Flags().BoolVar(&lazyBatch, "lazy", false, "create an empty batch fed with \"batches add\"")
	batchesCreateCmd.Flags().IntVar(&expectedCount, "expected", 0, "expected number of videos (lazy batches, informational)")
	batchesCreateCmd.Flags().BoolVar(&batchWatch, "watch", false, "stream events after creating")
	batchesCreateCmd.MarkFlagRequired("model")

	batchesAddCmd.Flags().StringVar(&originalName, "name", "", "original filename (default: base name of the path)")
}

func runBatchesCreate(cmd *cobra.Command, args []string) error {
	opts := models.AnalysisOptions{Model: model, FPS: fps}

	var b models.Batch
	if lazyBatch {
		if len(args) > 0 {
			return fmt.Errorf("--lazy takes no video paths; use \"batches add\"")
		}
		req := models.LazyBatchRequest{AnalysisOptions: opts}
		if expectedCount > 0 {
			req.ExpectedCount = &expectedCount
		}
		if err := apiCall("POST", "/batches/lazy", req, &b, 201); err != nil {
			return err
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("at least one video path is required (or use --lazy)")
		}
		req := models.BatchRequest{AnalysisOptions: opts}
		for _, p := range args {
			req.Videos = append(req.Videos, models.Video{Path: p, OriginalName: filepath.Base(p)})
		}
		if err := apiCall("POST", "/batches", req, &b, 201); err != nil {
			return err
		}
	}

	if handled, err := printStructured(b); handled {
		return err
	}
	displayBatch(&b)
	fmt.Printf("\nBatch created: %s\n", b.ID)

	if batchWatch {
		fmt.Println()
		return watchBatch(b.ID)
	}
	return nil
}

func runBatchesAdd(cmd *cobra.Command, args []string) error {
	name := originalName
	if name == "" {
		name = filepath.Base(args[1])
	}

	var result struct {
		Accepted bool              `json:"accepted"`
		Video    models.BatchVideo `json:"video"`
		Error    string            `json:"error"`
	}
	video := models.Video{Path: args[1], OriginalName: name}
	if err := apiCall("POST", "/batches/"+args[0]+"/videos", video, &result, 200, 409); err != nil {
		return err
	}
	if handled, err := printStructured(result); handled {
		return err
	}
	if !result.Accepted {
		return fmt.Errorf("video rejected: %s", result.Error)
	}
	fmt.Printf("Added %s as #%d\n", result.Video.OriginalName, result.Video.Index)
	return nil
}

func batchAction(batchID, action string, want int, done string) error {
	var b models.Batch
	if err := apiCall("POST", "/batches/"+batchID+"/"+action, nil, &b, want); err != nil {
		return err
	}
	if handled, err := printStructured(b); handled {
		return err
	}
	fmt.Printf("%s for batch %s (status: %s)\n", done, b.ID, b.Status)
	return nil
}

func runBatchesStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		var result struct {
			Batches []models.Batch `json:"batches"`
			Count   int            `json:"count"`
		}
		if err := apiCall("GET", "/batches", nil, &result, 200); err != nil {
			return err
		}
		if handled, err := printStructured(result); handled {
			return err
		}
		table := newTable("ID", "Model", "Status", "Videos", "Done", "Failed", "Skipped", "Created")
		for _, b := range result.Batches {
			table.Append(
				b.ID,
				b.Model,
				string(b.Status),
				fmt.Sprintf("%d", len(b.Videos)),
				fmt.Sprintf("%d", len(b.Completed)),
				fmt.Sprintf("%d", len(b.Failed)),
				fmt.Sprintf("%d", len(b.Skipped)),
				formatTime(&b.CreatedAt),
			)
		}
		table.Render()
		fmt.Printf("\nTotal: %d batches\n", result.Count)
		return nil
	}

	var b models.Batch
	if err := apiCall("GET", "/batches/"+args[0], nil, &b, 200); err != nil {
		return err
	}
	if handled, err := printStructured(b); handled {
		return err
	}
	displayBatch(&b)
	if len(b.Videos) > 0 {
		fmt.Println()
		table := newTable("#", "Video", "Status", "Record", "Detail")
		for _, video := range b.Videos {
			detail := video.Error
			if detail == "" {
				detail = video.SkipReason
			}
			table.Append(fmt.Sprintf("%d", video.Index), video.OriginalName, string(video.Status), video.RecordID, truncate(detail, 50))
		}
		table.Render()
	}
	return nil
}

func displayBatch(b *models.Batch) {
	table := newTable("Field", "Value")
	table.Append("ID", b.ID)
	table.Append("Model", b.Model)
	table.Append("FPS", fmt.Sprintf("%g", b.FPS))
	table.Append("Status", string(b.Status))
	table.Append("Videos", fmt.Sprintf("%d", len(b.Videos)))
	if b.ExpectedCount != nil {
		table.Append("Expected", fmt.Sprintf("%d", *b.ExpectedCount))
	}
	table.Append("Completed / Failed / Skipped", fmt.Sprintf("%d / %d / %d", len(b.Completed), len(b.Failed), len(b.Skipped)))
	table.Append("Uploads Complete", fmt.Sprintf("%t", b.UploadsComplete))
	if b.CancelRequested {
		table.Append("Cancel Requested", "true")
	}
	table.Append("Created At", formatTime(&b.CreatedAt))
	table.Append("Completed At", formatTime(b.CompletedAt))
	table.Render()
}

func watchBatch(batchID string) error {
	return watchEvents("/batches/"+batchID+"/events", func(e progress.Event, data json.RawMessage) {
		if outputFormat == "json" {
			fmt.Printf("{\"kind\":%q,\"timestamp\":%q,\"data\":%s}\n", e.Kind, e.Timestamp.Format(time.RFC3339Nano), orNull(data))
			return
		}

		ts := e.Timestamp.Local().Format("15:04:05")
		switch e.Kind {
		case progress.KindSnapshot:
			var b models.Batch
			if json.Unmarshal(data, &b) == nil {
				fmt.Printf("[%s] batch %s is %s: %d videos, %d finished\n", ts, b.ID, b.Status, len(b.Videos), b.Finished())
			}
		case progress.KindUploadsComplete:
			fmt.Printf("[%s] uploads complete\n", ts)
		case progress.KindBatchComplete, progress.KindBatchCancelled:
			var s progress.BatchSummary
			json.Unmarshal(data, &s)
			fmt.Printf("[%s] %s: %d completed, %d failed, %d skipped of %d\n", ts, e.Kind, s.Completed, s.Failed, s.Skipped, s.Total)
		default:
			var ve progress.VideoEvent
			if err := json.Unmarshal(data, &ve); err != nil {
				fmt.Printf("[%s] %s\n", ts, e.Kind)
				return
			}
			line := fmt.Sprintf("[%s] %-15s #%d %s (%d/%d)", ts, e.Kind, ve.Index, ve.OriginalName, ve.Finished, ve.Total)
			switch {
			case ve.Error != "":
				line += ": " + ve.Error
			case ve.Reason != "":
				line += ": " + ve.Reason
			}
			fmt.Println(line)
		}
	})
}
