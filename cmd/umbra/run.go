package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"umbra/internal/codec"
	"umbra/internal/domain"
)

func newRunCmd(c *cli) *cobra.Command {
	var input, format string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one synthesis now and print the report",
		Long: `Run one synthesis now. With --input the fragments of a JSON or YAML
bundle are analyzed; otherwise the unprocessed fragments in the store are.
The minimum interval and thermal checks apply as in the scheduler.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEngine(c.cfg, c.log, nil)
			if err != nil {
				return err
			}
			defer e.close(context.WithoutCancel(cmd.Context()))

			var report *domain.DreamReport
			if input != "" {
				fragments, err := readFragments(input)
				if err != nil {
					return err
				}
				report, err = e.processor.PerformSynthesis(cmd.Context(), fragments)
				if err != nil {
					return err
				}
			} else {
				report, err = e.dreamer.RunNow(cmd.Context())
				if err != nil {
					return err
				}
				if report == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "no pending fragments")
					return nil
				}
			}
			return export(cmd.OutOrStdout(), format, &codec.Bundle{Reports: []domain.DreamReport{*report}})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "fragment bundle (.json, .yaml)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")
	return cmd
}

func readFragments(path string) ([]domain.MemoryFragment, error) {
	cd, err := codec.ForFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := cd.Parse(f)
	if err != nil {
		return nil, err
	}
	if len(b.Fragments) == 0 {
		return nil, fmt.Errorf("%s contains no fragments", path)
	}
	return b.Fragments, nil
}

func export(w io.Writer, format string, b *codec.Bundle) error {
	cd, err := codec.ForFormat(format)
	if err != nil {
		return err
	}
	return cd.Export(b, w)
}
