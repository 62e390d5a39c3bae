package main

import (
	"github.com/spf13/cobra"

	"umbra/internal/codec"
	"umbra/internal/domain"
)

func newReportsCmd(c *cli) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "reports [id]",
		Short: "Print stored reports, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil, c.log)
			if err != nil {
				return err
			}
			defer store.Close()

			var reports []*domain.DreamReport
			if len(args) == 1 {
				r, err := store.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else if reports, err = store.ListReports(cmd.Context(), limit); err != nil {
				return err
			}

			b := &codec.Bundle{Reports: make([]domain.DreamReport, 0, len(reports))}
			for _, r := range reports {
				b.Reports = append(b.Reports, *r)
			}
			return export(cmd.OutOrStdout(), format, b)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of reports")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")
	return cmd
}

func newSignaturesCmd(c *cli) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "Print stored signatures, strongest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(c.cfg, nil, c.log)
			if err != nil {
				return err
			}
			defer store.Close()

			sigs, err := store.ListSignatures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return export(cmd.OutOrStdout(), format, &codec.Bundle{Signatures: sigs})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of signatures")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")
	return cmd
}
