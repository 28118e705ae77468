package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/roffe/goneo"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the library version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Running goneo " + goneo.Version)
	},
}

var supportedCmd = &cobra.Command{
	Use:   "supported",
	Short: "List supported device types",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Supported devices:")
		for _, info := range goneo.ListDrivers() {
			fmt.Printf("\t%s\n", info.String())
			fmt.Printf("\t  %s\n", info.Capabilities.String())
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Find connected devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Finding devices... ")
		devices, err := findDevices(cmd)
		if err != nil {
			fmt.Println(red("FAIL"))
			return err
		}
		plural := "s"
		if len(devices) == 1 {
			plural = ""
		}
		fmt.Printf("%s, %d device%s found\n", green("OK"), len(devices), plural)
		for _, d := range devices {
			fmt.Printf("\t%s - %s @ Handle %d\n", d.Type(), d.Serial(), d.Handle())
			if d.Port() != "" {
				fmt.Printf("\t  port: %s\n", d.Port())
			}
			fmt.Printf("\t  %s\n", d.Capabilities().String())
		}
		fmt.Println(strings.Repeat("-", 30))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, supportedCmd, listCmd)
}
