package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/frontdesk/internal/config"
	"github.com/ehr/frontdesk/internal/platform/events"
	"github.com/ehr/frontdesk/internal/platform/kafka"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the appointment change stream",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print appointment events from Kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.KafkaEnabled() {
				return fmt.Errorf("KAFKA_BROKERS is not configured")
			}
			logger := newLogger(cfg)

			consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, group, logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(os.Stdout)
			return consumer.Consume(ctx, func(e events.Event) error {
				return enc.Encode(e)
			})
		},
	}
	tailCmd.Flags().String("group", "frontdesk-tail", "Kafka consumer group")
	cmd.AddCommand(tailCmd)
	return cmd
}
