package cmd

import (
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload a log file for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.Upload(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%s\n", res.Message)
		cmd.Printf("Job ID:    %s\n", res.JobID)
		cmd.Printf("File:      %s\n", res.FileName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
