package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cloudpico-stations/internal/safety"
)

func newInterventionCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intervention",
		Short: "Manage the human intervention marker",
		Long: `Every project reports unsafe while the human intervention marker
exists. The marker lives at HUMAN_INTERVENTION_FILE and is read on every
safety check, so changes made here apply to a running server immediately.`,
	}

	var reason string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the marker, making every project unsafe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reason = strings.TrimSpace(reason)
			if reason == "" {
				return errors.New("--reason is required")
			}
			if err := safety.NewGate(e.cfg.HumanInterventionFile).Create(reason); err != nil {
				return err
			}
			e.logger.Info("human intervention created", "path", e.cfg.HumanInterventionFile, "reason", reason)
			return nil
		},
	}
	create.Flags().StringVar(&reason, "reason", "", "why operation must stop")

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove the marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := safety.NewGate(e.cfg.HumanInterventionFile).Remove(); err != nil {
				return err
			}
			e.logger.Info("human intervention removed", "path", e.cfg.HumanInterventionFile)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the marker, if any, as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := safety.NewGate(e.cfg.HumanInterventionFile).Status()
			if errors.Is(err, safety.ErrMarkerNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			if err != nil {
				return err
			}
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.AddCommand(create, remove, status)
	return cmd
}
