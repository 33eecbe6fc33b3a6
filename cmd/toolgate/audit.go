package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/toolgate/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the artifact log",
	}
	cmd.AddCommand(newAuditListCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		tag        string
		limit      int
		order      string
		monthsBack int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print artifact records for a tag as NDJSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if order != string(audit.Desc) && order != string(audit.Asc) {
				return fmt.Errorf("--order must be %q or %q", audit.Desc, audit.Asc)
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			_, log, err := openStorage(cfg, logger)
			if err != nil {
				return err
			}

			records, err := log.List(cmd.Context(), audit.Query{
				Tag:        tag,
				Limit:      limit,
				Order:      audit.Order(order),
				MonthsBack: monthsBack,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "artifact tag")
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultLimit, "maximum records")
	cmd.Flags().StringVar(&order, "order", string(audit.Desc), "desc (newest first) or asc")
	cmd.Flags().IntVar(&monthsBack, "months-back", audit.DefaultMonthsBack, "monthly buckets to scan")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}
