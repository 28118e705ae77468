package cmd

import (
	"fmt"

	"github.com/roffe/goneo"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <arbid> <hexdata>",
	Short: "Transmit a single CAN frame",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		netName, _ := f.GetString("network")
		extended, _ := f.GetBool("extended")
		fd, _ := f.GetBool("fd")
		brs, _ := f.GetBool("brs")

		network, err := goneo.ParseNetID(netName)
		if err != nil {
			return err
		}
		id, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		var data []byte
		if len(args) == 2 {
			if data, err = parseHexData(args[1]); err != nil {
				return err
			}
		}
		msg := goneo.NewCANMessage(network, id, data)
		msg.Extended = extended || id > goneo.MaxStandardID
		msg.FD = fd || brs
		msg.BRS = brs
		if err := msg.Validate(); err != nil {
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
		fmt.Printf("%s: %s\n", d, msg)
		return d.Transmit(msg)
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringP("network", "n", "HSCAN", "network to transmit on")
	f.BoolP("extended", "e", false, "29 bit identifier")
	f.Bool("fd", false, "CAN FD frame")
	f.Bool("brs", false, "CAN FD bit rate switch, implies --fd")
	rootCmd.AddCommand(sendCmd)
}
