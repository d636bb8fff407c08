package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"powerwatch/cmd/powerwatch/ui"
	"powerwatch/internal/store"
)

func switchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Runtime switches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "light <on|off>",
		Short: "Global light-notification switch (admins exempt)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := args[0]
			if v != "on" && v != "off" {
				return fmt.Errorf("argument must be on or off, got %q", v)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.KVSet(cmd.Context(), store.KVLightGlobal, v); err != nil {
				return err
			}
			if v == "off" {
				fmt.Println(ui.WarnMsg("light notifications disabled for everyone but admins"))
			} else {
				fmt.Println(ui.SuccessMsg("light notifications enabled"))
			}
			return nil
		},
	})
	return cmd
}
