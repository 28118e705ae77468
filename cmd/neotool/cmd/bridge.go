package cmd

import (
	"os"
	"time"

	"github.com/roffe/goneo"
	"github.com/roffe/goneo/pkg/mqttbridge"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge [arbid...]",
	Short: "Forward received messages to an MQTT broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		broker, _ := f.GetString("broker")
		if broker == "" {
			broker = os.Getenv("NEO_MQTT_BROKER")
		}
		if broker == "" {
			broker = "tcp://localhost:1883"
		}
		prefix, _ := f.GetString("topic")
		qos, _ := f.GetUint8("qos")
		filter, _, err := parseFilters(args)
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

		b := mqttbridge.New(mqttbridge.Config{
			Broker:      broker,
			Username:    os.Getenv("NEO_MQTT_USER"),
			Password:    os.Getenv("NEO_MQTT_PASS"),
			TopicPrefix: prefix,
			QoS:         qos,
		})
		if err := b.Connect(ctx); err != nil {
			return err
		}
		defer b.Close()
		b.Attach(d, filter)
		b.Start(ctx)

		if err := d.GoOnline(ctx); err != nil {
			return err
		}
		log.Info().Str("device", d.String()).Str("broker", broker).Msg("bridge running")

		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				log.Info().Uint64("sent", b.Sent()).Uint64("dropped", b.Dropped()).Msg(d.Stats().String())
				for _, e := range d.Errors() {
					log.Warn().Msg(e.String())
				}
			}
		}
	},
}

func init() {
	f := bridgeCmd.Flags()
	f.String("broker", "", "MQTT broker url, defaults to $NEO_MQTT_BROKER or tcp://localhost:1883")
	f.String("topic", "goneo", "topic prefix")
	f.Uint8("qos", 0, "MQTT QoS")
	rootCmd.AddCommand(bridgeCmd)
}

var _ mqttbridge.Source = (*goneo.Device)(nil)
