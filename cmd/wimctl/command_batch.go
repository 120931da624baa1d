package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/winops/wimcmd/engine/storage"
)

var (
	listStatus string
	listType   string
	listOffset int
	listLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show a batch operation with per-image statuses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchStatus(args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listBatches()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a running batch operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("POST", "/v1/batch/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("cancel requested for batch %s\n", args[0])
		return nil
	},
}

func registerBatchCommands(root *cobra.Command) {
	root.AddCommand(statusCmd)
	root.AddCommand(listCmd)
	root.AddCommand(cancelCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by batch status")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by operation type")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "paging offset")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "paging limit (0 = no limit)")
}

func batchStatus(id string) error {
	op := new(storage.BatchOperation)
	if err := doRequest("GET", "/v1/batch/"+url.PathEscape(id), nil, op); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(op)
	}

	fmt.Printf("batch %s: %s\n", op.ID, op.Status)
	for _, t := range op.Targets {
		line := fmt.Sprintf("  %-10s %3d%%  %s", t.Status, t.Progress, t.ImagePath)
		if t.Error != "" {
			line += "  (" + t.Error + ")"
		}
		fmt.Println(line)
	}
	if s := op.Summary; s != nil {
		fmt.Printf("summary: %d/%d succeeded (%.0f%%), %d failed, %d skipped, %d cancelled\n",
			s.SuccessfulImages, s.TotalImages, s.SuccessRate,
			s.FailedImages, s.SkippedImages, s.CancelledImages)
	}
	return nil
}

func listBatches() error {
	v := url.Values{}
	if listStatus != "" {
		v.Set("status", listStatus)
	}
	if listType != "" {
		v.Set("type", listType)
	}
	if listOffset > 0 {
		v.Set("offset", strconv.Itoa(listOffset))
	}
	if listLimit > 0 {
		v.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/v1/batch"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var ops []*storage.BatchOperation
	if err := doRequest("GET", path, nil, &ops); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(ops)
	}

	if len(ops) == 0 {
		fmt.Println("no batches found")
		return nil
	}
	for _, op := range ops {
		fmt.Printf("%s  %-20s  %d images  %s\n",
			op.ID, op.Status, len(op.Targets), op.Created.Format("2006-01-02 15:04:05"))
	}
	return nil
}
