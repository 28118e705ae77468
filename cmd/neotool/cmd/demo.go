package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/roffe/goneo"
	"github.com/roffe/goneo/pkg/bar"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the full settings, receive and transmit sequence on every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		fmt.Println("Running goneo " + goneo.Version)
		devices, err := findDevices(cmd)
		if err != nil {
			return err
		}
		devices, err = selectDevices(cmd, devices)
		if err != nil {
			return err
		}
		fmt.Printf("%d device(s) found\n", len(devices))
		for _, d := range devices {
			fmt.Printf("\t%s - %s @ Handle %d\n", d.Type(), d.Serial(), d.Handle())
		}
		fmt.Println()
		for _, d := range devices {
			runDemo(cmd.Context(), d, duration)
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().Duration("duration", 3*time.Second, "how long to stream messages")
	rootCmd.AddCommand(demoCmd)
}

func printBaud(label string, fn func(goneo.NetID) (int64, error)) {
	fmt.Printf("\tGetting %s... ", label)
	baud, err := fn(goneo.HSCAN)
	if err != nil {
		fmt.Println(okFail(err))
		return
	}
	fmt.Printf("%s, %dkbit/s\n", green("OK"), baud/1000)
}

func runDemo(ctx context.Context, d *goneo.Device, duration time.Duration) {
	fmt.Printf("Connecting to %s... ", d)
	if err := d.Open(ctx); err != nil {
		fmt.Println(red("FAIL"))
		for _, e := range d.Errors() {
			fmt.Printf("\t%s\n", e)
		}
		fmt.Println()
		return
	}
	fmt.Println(green("OK"))
	s := d.Settings()

	printBaud("HSCAN Baudrate", s.BaudrateFor)
	fmt.Print("\tSetting HSCAN to operate at 125kbit/s... ")
	fmt.Println(okFail(s.SetBaudrateFor(goneo.HSCAN, 125000)))
	// pending changes are not visible until applied
	printBaud("HSCAN Baudrate (expected to be unchanged)", s.BaudrateFor)

	printBaud("HSCANFD Baudrate", s.FDBaudrateFor)
	fmt.Print("\tSetting HSCANFD to operate at 8Mbit/s... ")
	fmt.Println(okFail(s.SetFDBaudrateFor(goneo.HSCAN, 8000000)))
	printBaud("HSCANFD Baudrate (expected to be unchanged)", s.FDBaudrateFor)

	fmt.Print("\tSetting settings temporarily... ")
	fmt.Println(okFail(s.Apply(ctx, true)))
	printBaud("HSCAN Baudrate", s.BaudrateFor)
	printBaud("HSCANFD Baudrate", s.FDBaudrateFor)

	fmt.Print("\tSetting settings permanently... ")
	fmt.Println(okFail(s.Apply(ctx, false)))
	fmt.Println()

	fmt.Print("\tGoing online... ")
	if err := d.GoOnline(ctx); err != nil {
		fmt.Println(okFail(err))
		d.Close()
		return
	}
	fmt.Println(green("OK"))

	fmt.Print("\tChecking online status... ")
	if !d.IsOnline() {
		fmt.Println(red("FAIL"))
		fmt.Println()
		d.Close()
		return
	}
	fmt.Println(green("OK"))

	d.EnableMessagePolling()
	d.SetPollingMessageLimit(100000)

	fmt.Printf("\tStreaming messages in for %s...\n", duration)
	handler := d.AddMessageCallback(goneo.NewMessageCallback(printMessage))
	bar.Wait(ctx, duration, 100*time.Millisecond, "streaming")
	fmt.Println()
	d.RemoveMessageCallback(handler)

	messages := make([]goneo.Message, 0, 100000)
	messages, err := d.ReadMessages(messages, 0)
	if err != nil {
		fmt.Printf("\t\tpolling: %s\n", okFail(err))
	}
	fmt.Printf("\t\tGot %d messages while polling\n", len(messages))

	fmt.Print("\tTransmitting an extended CAN FD frame... ")
	fdMsg := goneo.NewCANMessage(goneo.HSCAN, 0x1C5001C5, []byte{0xaa, 0xbb, 0xcc})
	fdMsg.Extended = true
	fdMsg.FD = true
	fmt.Println(okFail(d.Transmit(fdMsg)))

	fmt.Print("\tTransmitting an ethernet frame on OP (BR) Ethernet 2... ")
	ethMsg := goneo.NewEthernetMessage(
		goneo.OPEthernet2,
		net.HardwareAddr{0x00, 0xFC, 0x70, 0x00, 0x01, 0x02},
		net.HardwareAddr{0x00, 0xFC, 0x70, 0x00, 0x01, 0x01},
		0x0000,
		[]byte{0x01, 0xC5, 0x01, 0xC5},
	)
	fmt.Println(okFail(d.Transmit(ethMsg)))

	time.Sleep(50 * time.Millisecond)

	fmt.Print("\tGoing offline... ")
	fmt.Println(okFail(d.GoOffline(ctx)))

	fmt.Print("\tSetting default settings... ")
	fmt.Println(okFail(s.ApplyDefaults(ctx)))

	fmt.Print("\tDisconnecting... ")
	fmt.Println(okFail(d.Close()))
	fmt.Printf("\t%s\n\n", d.Stats())
}

func printMessage(msg goneo.Message) {
	if line, ok := formatMessage(msg, false); ok {
		fmt.Printf("\t\t%s\n", line)
	}
}

// formatMessage renders CAN and ethernet messages, other networks are ignored.
func formatMessage(msg goneo.Message, colored bool) (string, bool) {
	switch m := msg.(type) {
	case *goneo.CANMessage:
		if colored {
			return m.ColorString(), true
		}
		return m.String(), true
	case *goneo.EthernetMessage:
		return m.String(), true
	default:
		return "", false
	}
}
