package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"github.com/winops/wimcmd/workflow"
	"github.com/winops/wimcmd/workflow/loader"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"workflows"},
	Short:   "Manage stored workflow definitions",
}

var workflowPushCmd = &cobra.Command{
	Use:   "push <workflow.yaml>",
	Short: "Validate and store a workflow definition on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushWorkflow(args[0])
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a stored workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def := new(workflow.Definition)
		if err := doRequest("GET", "/v1/workflow/"+url.PathEscape(args[0]), nil, def); err != nil {
			return err
		}
		return printJSON(def)
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflow definition IDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []string
		if err := doRequest("GET", "/v1/workflow", nil, &ids); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(ids)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("DELETE", "/v1/workflow/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("deleted workflow %s\n", args[0])
		return nil
	},
}

func registerWorkflowCommands(root *cobra.Command) {
	root.AddCommand(workflowCmd)

	workflowCmd.AddCommand(workflowPushCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowDeleteCmd)
}

func pushWorkflow(path string) error {
	def, err := loader.Load(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	if err = doRequest("PUT", "/v1/workflow/"+url.PathEscape(def.ID), bytes.NewReader(body), nil); err != nil {
		return err
	}
	fmt.Printf("stored workflow %s\n", def.ID)
	return nil
}
