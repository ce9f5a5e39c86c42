package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/receiptscout/pkg/types"
)

func searchCmd() *cobra.Command {
	var (
		payer   string
		payee   string
		count   int
		backend string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one retrieval and deliver the matches into the outbox",
		Long: `Run a single retrieval request outside the MCP server.

Examples:
  receiptscout search --payer 张三
  receiptscout search --payer 张三 --payee 某某公司 --count 3 --backend fastmail`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := types.ParseBackend(backend)
			if err != nil {
				return err
			}
			if types.IsNumeric(payer) || types.IsNumeric(payee) {
				return fmt.Errorf("names must not be numbers")
			}

			rt, err := newInstance()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext()
			defer stop()

			res, err := rt.app.Service.Retrieve(ctx, types.Query{
				Backend: b,
				Payer:   payer,
				Payee:   payee,
				Count:   count,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Reason == types.ReasonCredentialsExpired {
				return res.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payer, "payer", "", "payer name (required)")
	cmd.Flags().StringVar(&payee, "payee", "", "payee name")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of receipts wanted")
	cmd.Flags().StringVar(&backend, "backend", "", "restrict to one backend (gmail, fastmail)")
	_ = cmd.MarkFlagRequired("payer")

	return cmd
}
