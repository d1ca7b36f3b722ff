package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trapmos/trapmos-alerts/internal/geo"
	"github.com/trapmos/trapmos-alerts/internal/model"
)

func clustersCommand() *cobra.Command {
	var (
		file     string
		lat, lon string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Deduplicate an exported detection list and rank it by distance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read detections: %w", err)
			}
			var records []*model.Detection
			if err := json.Unmarshal(raw, &records); err != nil {
				return fmt.Errorf("decode detections: %w", err)
			}

			opts := geo.Options{Limit: limit}
			if lat != "" || lon != "" {
				ref, err := geo.ParsePoint(lat, lon)
				if err != nil {
					return err
				}
				opts.Reference = &ref
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(geo.Deduplicate(records, opts))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON array of detections")
	cmd.Flags().StringVar(&lat, "lat", "", "Reference latitude")
	cmd.Flags().StringVar(&lon, "lon", "", "Reference longitude")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum markers to print (0 = all)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
