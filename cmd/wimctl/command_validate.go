package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/winops/wimcmd/workflow"
	"github.com/winops/wimcmd/workflow/loader"
)

var showWaves bool

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Validate and compile a workflow definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateWorkflow(args[0])
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&showWaves, "waves", false, "print the compiled execution waves")
}

func validateWorkflow(path string) error {
	def, err := loader.Load(path)
	if err != nil {
		return err
	}
	plan, err := workflow.Compile(def)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %q: %d steps in %d waves\n", def.ID, plan.StepCount(), len(plan.Waves))
	if showWaves {
		for i, wave := range plan.Waves {
			fmt.Printf("wave %d:\n", i+1)
			for _, step := range wave {
				fmt.Printf("  %s (%s)\n", step.ID, step.Type)
			}
		}
	}
	return nil
}
