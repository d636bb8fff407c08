package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"powerwatch"
	"powerwatch/cmd/powerwatch/ui"
)

func statusCmd() *cobra.Command {
	var sinceHours int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show section power states and outage stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctx := cmd.Context()
			states, err := s.SectionStates(ctx)
			if err != nil {
				return err
			}
			buildings, err := s.Buildings(ctx)
			if err != nil {
				return err
			}
			names := make(map[int]string, len(buildings))
			for _, b := range buildings {
				names[b.ID] = b.Name
			}

			now := time.Now()
			since := now.Add(-time.Duration(sinceHours) * time.Hour)
			rows := make([][]string, 0, len(states))
			for _, st := range states {
				key := powerwatch.SectionKey{BuildingID: st.BuildingID, SectionID: st.SectionID}
				stats, err := s.OutageStatsSince(ctx, key, since, now)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					names[st.BuildingID],
					strconv.Itoa(st.SectionID),
					ui.UpDown(st.IsUp),
					st.LastChange.Local().Format(time.DateTime),
					fmt.Sprintf("%.1f%%", stats.UptimePercent),
					strconv.Itoa(stats.OutageCount),
				})
			}
			header := fmt.Sprintf("UPTIME %dH", sinceHours)
			fmt.Println(ui.Table([]string{"BUILDING", "SECTION", "STATE", "SINCE", header, "OUTAGES"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&sinceHours, "since-hours", 24, "Stats window in hours")
	return cmd
}
