package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		c, err := client.QueueStatus()
		if err != nil {
			return err
		}
		cmd.Printf("Waiting:    %d\n", c.Waiting)
		cmd.Printf("Active:     %d\n", c.Active)
		cmd.Printf("Completed:  %d\n", c.Completed)
		cmd.Printf("Failed:     %d\n", c.Failed)
		cmd.Printf("Total:      %d\n", c.Total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
