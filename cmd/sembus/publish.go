package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/publisher"
)

func publishCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events",
	}
	cmd.AddCommand(publishUsageCmd(flags))
	return cmd
}

func publishUsageCmd(flags *globalFlags) *cobra.Command {
	var (
		in           event.UsageInput
		inputTokens  int64
		outputTokens int64
		inputUnits   float64
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Publish a billing usage event",
		Example: `  sembus publish usage --user u-1 --service chat --input-tokens 100 --output-tokens 50
  sembus publish usage --user u-1 --product image_gen --service image --input-units 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := setup(flags)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("input-tokens") && cmd.Flags().Changed("output-tokens") {
				in = in.WithTokens(inputTokens, outputTokens)
			}
			if cmd.Flags().Changed("input-units") {
				in = in.WithUnits(inputUnits)
			}

			ev, err := event.NewUsageEvent(in, time.Now())
			if err != nil {
				return err
			}

			resolver, err := newResolver(cfg, logger)
			if err != nil {
				return err
			}

			pub := publisher.New(publisher.ConfigFrom(cfg), resolver, publisher.WithLogger(logger))
			defer func() { _ = pub.Close(context.Background()) }()

			if err := pub.Publish(cmd.Context(), ev); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s %g %s\n", ev.Subject(), ev.UsageAmount, ev.UnitType)
			return nil
		},
	}

	cmd.Flags().StringVar(&in.UserID, "user", "", "User the usage is billed to")
	cmd.Flags().StringVar(&in.ProductID, "product", "", "Product ID (defaults to the service name)")
	cmd.Flags().StringVar(&in.Service, "service", "", "Service that consumed the resources")
	cmd.Flags().Int64Var(&inputTokens, "input-tokens", 0, "Input token count")
	cmd.Flags().Int64Var(&outputTokens, "output-tokens", 0, "Output token count")
	cmd.Flags().Float64Var(&inputUnits, "input-units", 0, "Input unit count")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
