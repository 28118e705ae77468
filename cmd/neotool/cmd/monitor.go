package cmd

import (
	"fmt"
	"time"

	"github.com/roffe/goneo"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [arbid...]",
	Short: "Monitor the bus for messages",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		interval, _ := cmd.Flags().GetDuration("poll")
		filter, ids, err := parseFilters(args)
		if err != nil {
			return err
		}
		d, err := firstDevice(cmd)
		if err != nil {
			return err
		}
		if err := d.Open(ctx); err != nil {
			return err
		}
		defer d.Close()
		if err := d.GoOnline(ctx); err != nil {
			return err
		}
		d.EnableMessagePolling()

		t := time.NewTicker(interval)
		defer t.Stop()
		buf := make([]goneo.Message, 0, 1024)
		for {
			select {
			case <-ctx.Done():
				fmt.Println(d.Stats())
				return nil
			case <-t.C:
				buf, err = d.ReadMessages(buf[:0], cap(buf))
				if err != nil {
					return err
				}
				for _, msg := range buf {
					if !filter.Match(msg) {
						continue
					}
					if m, ok := msg.(*goneo.CANMessage); ok && !allowed(m.ArbID, ids) {
						continue
					}
					if line, ok := formatMessage(msg, true); ok {
						fmt.Println(line)
					}
				}
				for _, e := range d.Errors() {
					fmt.Println(red(e.String()))
				}
			}
		}
	},
}

func init() {
	monitorCmd.Flags().Duration("poll", 50*time.Millisecond, "polling interval")
	rootCmd.AddCommand(monitorCmd)
}
