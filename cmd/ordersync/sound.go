package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/spf13/cobra"
)

func newSoundCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "sound [on|off|status|test]",
		Short:     "Show or change the notification sound preference",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "status", "test"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "status"
			if len(args) == 1 {
				action = args[0]
			}
			runtime, err := openClientRuntime()
			if err != nil {
				return err
			}
			defer runtime.close()

			switch action {
			case "on", "off":
				if err := runtime.prefs.SetSoundEnabled(action == "on"); err != nil {
					return err
				}
			case "test":
				runtime.dispatcher.Play(notify.CategoryAlert)
			}

			enabled, err := runtime.prefs.SoundEnabled()
			if err != nil {
				return err
			}
			state := "off"
			if enabled {
				state = "on"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sound %s (user %s)\n", state, runtime.identity.ID)
			return nil
		},
	}
	return cmd
}
