package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/workflow/loader"
)

var (
	submitWorkflowFile string
	submitImages       []string
	submitIndex        int
	submitParallel     int
	submitContinue     bool
	submitPriority     int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch operation",
	Long:  "Submit a workflow to run against one or more target images. The workflow file is validated locally before submission.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitBatch()
	},
}

func registerSubmitCommand(root *cobra.Command) {
	root.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitWorkflowFile, "workflow", "w", "workflow.yaml", "workflow definition file")
	submitCmd.Flags().StringArrayVarP(&submitImages, "image", "i", nil, "target image path (repeatable)")
	submitCmd.Flags().IntVar(&submitIndex, "index", 1, "image index within each target file")
	submitCmd.Flags().IntVarP(&submitParallel, "parallel", "p", 1, "max images processed in parallel")
	submitCmd.Flags().BoolVar(&submitContinue, "continue-on-error", false, "keep dispatching images after a failure")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "batch priority")
	submitCmd.MarkFlagRequired("image")
}

func submitBatch() error {
	def, err := loader.Load(submitWorkflowFile)
	if err != nil {
		return err
	}

	op := &storage.BatchOperation{
		Workflow:        def,
		MaxParallel:     submitParallel,
		ContinueOnError: submitContinue,
		Priority:        submitPriority,
	}
	for _, path := range submitImages {
		op.Targets = append(op.Targets, &storage.BatchTargetImage{
			ImagePath: path,
			Index:     submitIndex,
		})
	}

	body, err := json.Marshal(op)
	if err != nil {
		return err
	}
	resp := &struct {
		BatchID string `json:"batch_id"`
	}{}
	if err = doRequest("POST", "/v1/batch", bytes.NewReader(body), resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("submitted batch %s (%d images)\n", resp.BatchID, len(op.Targets))
	return nil
}
