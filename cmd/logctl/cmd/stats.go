package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"log-processing-service/internal/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats [job_id]",
	Short: "List processing results, or show one job's statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			rec, err := client.GetStats(args[0])
			if err != nil {
				return err
			}
			printStats(cmd, *rec)
			return nil
		}

		records, err := client.ListStats()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			cmd.Println("No processed files yet.")
			return nil
		}
		cmd.Printf("%-36s  %-10s  %10s  %7s  %8s  %s\n", "JOB", "STATUS", "LINES", "ERRORS", "WARNINGS", "FILE")
		for _, r := range records {
			cmd.Printf("%-36s  %-10s  %10d  %7d  %8d  %s\n", r.JobID, r.Status, r.TotalLines, r.ErrorCount, r.WarningCount, r.FileName)
		}
		return nil
	},
}

func printStats(cmd *cobra.Command, r models.StatsRecord) {
	cmd.Printf("Job:         %s\n", r.JobID)
	cmd.Printf("File:        %s (%d bytes)\n", r.FileName, r.FileSize)
	cmd.Printf("Status:      %s\n", r.Status)
	cmd.Printf("Attempts:    %d\n", r.Attempts)
	cmd.Printf("Lines:       %d\n", r.TotalLines)
	cmd.Printf("Errors:      %d\n", r.ErrorCount)
	cmd.Printf("Warnings:    %d\n", r.WarningCount)
	if r.Status == models.StatusCompleted {
		cmd.Printf("Duration:    %s\n", time.Duration(r.ProcessingTimeMS)*time.Millisecond)
	}
	if r.ErrorMessage != nil {
		cmd.Printf("Error:       %s\n", *r.ErrorMessage)
	}
	if len(r.KeywordMatches) > 0 {
		cmd.Println("Keywords:")
		for _, k := range sortedKeys(r.KeywordMatches) {
			cmd.Printf("  %-12s %d\n", k, r.KeywordMatches[k])
		}
	}
	if len(r.IPAddresses) > 0 {
		cmd.Println("IP addresses:")
		for _, k := range sortedKeys(r.IPAddresses) {
			cmd.Printf("  %-16s %d\n", k, r.IPAddresses[k])
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatProgress(p int) string {
	return fmt.Sprintf("%d%%", p)
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
