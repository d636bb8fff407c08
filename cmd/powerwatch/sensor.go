package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"powerwatch"
	"powerwatch/cmd/powerwatch/ui"
	"powerwatch/internal/freeze"
)

// staleAfter mirrors the daemon's SENSOR_TIMEOUT_SEC default; the console
// only uses it to seed assumed freeze states and color heartbeat ages.
const staleAfter = 150 * time.Second

// defaultFreezeMinutes honors DEPLOY_FREEZE_MINUTES so deploy scripts can
// tune the protocol without passing --minutes everywhere.
func defaultFreezeMinutes() int {
	if v := os.Getenv("DEPLOY_FREEZE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 20
}

func sensorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Inspect and freeze sensors",
	}
	cmd.AddCommand(sensorListCmd())
	cmd.AddCommand(sensorFreezeCmd())
	cmd.AddCommand(sensorUnfreezeCmd())
	cmd.AddCommand(sensorFreezeAllCmd())
	cmd.AddCommand(sensorUnfreezeAllCmd())
	return cmd
}

func sensorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sensors",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			sensors, err := s.ActiveSensors(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			rows := make([][]string, 0, len(sensors))
			for _, sensor := range sensors {
				rows = append(rows, []string{
					sensor.UUID,
					strconv.Itoa(sensor.BuildingID),
					strconv.Itoa(sensor.SectionID),
					heartbeatAge(sensor, now),
					freezeLabel(sensor, now),
					sensor.Comment,
				})
			}
			fmt.Println(ui.Table([]string{"UUID", "BUILDING", "SECTION", "LAST BEAT", "FROZEN", "COMMENT"}, rows))
			return nil
		},
	}
}

func heartbeatAge(s powerwatch.Sensor, now time.Time) string {
	if s.LastHeartbeat == nil {
		return ui.Muted("never")
	}
	age := now.Sub(*s.LastHeartbeat).Round(time.Second)
	label := age.String() + " ago"
	if age >= staleAfter {
		return ui.WarnStyle.Render(label)
	}
	return label
}

func freezeLabel(s powerwatch.Sensor, now time.Time) string {
	if !s.Frozen(now) {
		return ui.Muted("-")
	}
	state := "down"
	if s.FrozenIsUp != nil && *s.FrozenIsUp {
		state = "up"
	}
	return fmt.Sprintf("as %s until %s", state, s.FrozenUntil.Local().Format("15:04"))
}

func sensorFreezeCmd() *cobra.Command {
	var (
		minutes int
		asUp    bool
		asDown  bool
	)
	cmd := &cobra.Command{
		Use:   "freeze <uuid>",
		Short: "Pin a sensor's contributed state for maintenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asUp && asDown {
				return fmt.Errorf("--up and --down are mutually exclusive")
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var assumed *bool
			if asUp || asDown {
				assumed = &asUp
			}
			ctl := freeze.NewController(s, powerwatch.RealClock{}, staleAfter)
			until, err := ctl.Freeze(cmd.Context(), args[0], time.Duration(minutes)*time.Minute, assumed)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("sensor %s frozen until %s", args[0], until.Local().Format(time.RFC3339)))
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", defaultFreezeMinutes(), "Freeze duration in minutes")
	cmd.Flags().BoolVar(&asUp, "up", false, "Pin the sensor as up")
	cmd.Flags().BoolVar(&asDown, "down", false, "Pin the sensor as down")
	return cmd
}

func sensorUnfreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfreeze <uuid>",
		Short: "Return a sensor to heartbeat liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctl := freeze.NewController(s, powerwatch.RealClock{}, staleAfter)
			if err := ctl.Unfreeze(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("sensor %s unfrozen", args[0]))
			return nil
		},
	}
}

func sensorFreezeAllCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "freeze-all",
		Short: "Freeze every active sensor (deploy protocol)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctl := freeze.NewController(s, powerwatch.RealClock{}, staleAfter)
			stamp, count, err := ctl.FreezeAll(cmd.Context(), time.Duration(minutes)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("%d sensors frozen", count))
			fmt.Println(ui.Muted("stamp: " + stamp.UTC().Format(time.RFC3339Nano)))
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", defaultFreezeMinutes(), "Freeze duration in minutes")
	return cmd
}

func sensorUnfreezeAllCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "unfreeze-all",
		Short: "Unfreeze the sensors stamped by one freeze-all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stamp == "" {
				return fmt.Errorf("--stamp is required (printed by freeze-all)")
			}
			at, err := time.Parse(time.RFC3339Nano, stamp)
			if err != nil {
				return fmt.Errorf("invalid stamp: %w", err)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctl := freeze.NewController(s, powerwatch.RealClock{}, staleAfter)
			count, err := ctl.UnfreezeBatch(cmd.Context(), at)
			if err != nil {
				return err
			}
			if count == 0 {
				fmt.Println(ui.WarnMsg("no sensors carried that stamp"))
				return nil
			}
			fmt.Println(ui.SuccessMsg("%d sensors unfrozen", count))
			return nil
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "Stamp printed by freeze-all")
	return cmd
}
