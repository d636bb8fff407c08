package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"powerwatch/cmd/powerwatch/ui"
	"powerwatch/internal/store"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect the admin job queue",
	}
	cmd.AddCommand(jobListCmd())
	return cmd
}

func jobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			jobs, err := s.RecentJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					strconv.FormatInt(j.ID, 10),
					j.Kind,
					jobStatus(j),
					fmt.Sprintf("%d/%d", j.ProgressCurrent, j.ProgressTotal),
					strconv.Itoa(j.Attempts),
					j.CreatedAt.Local().Format(time.DateTime),
					j.LastError,
				})
			}
			fmt.Println(ui.Table([]string{"ID", "KIND", "STATUS", "PROGRESS", "ATTEMPTS", "CREATED", "ERROR"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to show")
	return cmd
}

func jobStatus(j store.Job) string {
	switch j.Status {
	case store.JobDone:
		return ui.SuccessStyle.Render(j.Status)
	case store.JobFailed:
		return ui.ErrorStyle.Render(j.Status)
	case store.JobRunning:
		return ui.AccentStyle.Render(j.Status)
	default:
		return j.Status
	}
}
