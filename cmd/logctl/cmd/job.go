package cmd

import (
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job [job_id]",
	Short: "Show the queue state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		job, err := client.GetJob(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("Job:         %s\n", job.ID)
		cmd.Printf("File:        %s\n", job.Payload.FileName)
		cmd.Printf("State:       %s\n", job.State)
		cmd.Printf("Priority:    %d\n", job.Priority)
		cmd.Printf("Attempts:    %d/%d\n", job.Attempts, job.MaxAttempts)
		cmd.Printf("Progress:    %s\n", formatProgress(job.Progress))
		if job.LastError != nil {
			cmd.Printf("Last error:  %s\n", *job.LastError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
}
