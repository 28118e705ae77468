package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/manifoldco/promptui"
	"github.com/roffe/goneo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "neotool",
	Short:        "Vehicle network interface tool",
	Long:         `Find, configure and talk to CAN, CAN FD and Ethernet interface devices`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool(flagDebug)
		setupLogging(debug)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagPort         = "port"
	flagPortBaudrate = "portbaudrate"
	flagDebug        = "debug"
	flagDriver       = "driver"
	flagSelect       = "select"
	flagExtra        = "set"
)

func init() {
	// .env is optional, values already in the environment win
	_ = godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagDriver, "a", os.Getenv("NEO_DRIVER"), "only use this driver, empty = all")
	pf.StringP(flagPort, "p", os.Getenv("NEO_PORT"), "serial port or interface, empty = discover")
	pf.IntP(flagPortBaudrate, "b", 115200, "serial port baudrate")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.BoolP(flagSelect, "s", false, "interactively select a device")
	pf.StringSlice(flagExtra, nil, "driver option key=value, ex virtual.traffic=10ms")
}

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func configFromFlags(cmd *cobra.Command) (*goneo.Config, error) {
	f := cmd.Flags()
	port, err := f.GetString(flagPort)
	if err != nil {
		return nil, err
	}
	baud, err := f.GetInt(flagPortBaudrate)
	if err != nil {
		return nil, err
	}
	debug, err := f.GetBool(flagDebug)
	if err != nil {
		return nil, err
	}
	extras, err := f.GetStringSlice(flagExtra)
	if err != nil {
		return nil, err
	}
	cfg := goneo.NewConfig()
	cfg.Port = port
	cfg.PortBaudrate = baud
	cfg.Debug = debug
	cfg.OnMessage = func(msg string) {
		log.Info().Msg(msg)
	}
	for _, kv := range extras {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid option %q, expected key=value", kv)
		}
		cfg.Extra[k] = v
	}
	return cfg, nil
}

func findDevices(cmd *cobra.Command) ([]*goneo.Device, error) {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	driver, _ := cmd.Flags().GetString(flagDriver)
	var devices []*goneo.Device
	if driver != "" {
		devices, err = goneo.FindDevices(cmd.Context(), cfg, driver)
	} else {
		devices, err = goneo.FindAllDevices(cmd.Context(), cfg)
	}
	if err != nil {
		return nil, err
	}
	for _, e := range goneo.GetErrors() {
		log.Warn().Msg(e.String())
	}
	return devices, nil
}

// selectDevices narrows devices down to one when --select is given.
func selectDevices(cmd *cobra.Command, devices []*goneo.Device) ([]*goneo.Device, error) {
	sel, _ := cmd.Flags().GetBool(flagSelect)
	if !sel || len(devices) <= 1 {
		return devices, nil
	}
	items := make([]string, len(devices))
	for i, d := range devices {
		items[i] = fmt.Sprintf("%s @ Handle %d", d, d.Handle())
	}
	prompt := promptui.Select{
		Label: "Select device",
		Items: items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return nil, fmt.Errorf("prompt failed: %w", err)
	}
	return devices[idx : idx+1], nil
}

func firstDevice(cmd *cobra.Command) (*goneo.Device, error) {
	devices, err := findDevices(cmd)
	if err != nil {
		return nil, err
	}
	devices, err = selectDevices(cmd, devices)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices found")
	}
	return devices[0], nil
}

func parseFilters(ids []string) (goneo.MessageFilter, []uint32, error) {
	var out []uint32
	for _, s := range ids {
		n, err := parseUint32(s)
		if err != nil {
			return goneo.MessageFilter{}, nil, err
		}
		out = append(out, n)
	}
	if len(out) == 1 {
		return goneo.FilterArbID(out[0]), out, nil
	}
	return goneo.MessageFilter{}, out, nil
}
