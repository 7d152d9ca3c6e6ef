package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/overwatch/pkg/types"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect the certificate authority",
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the CA is bootstrapped and when its certificates expire",
	RunE: func(cmd *cobra.Command, args []string) error {
		authority := newAuthority(cfg)
		st, err := authority.Status()
		if err != nil {
			return err
		}
		if !st.Bootstrapped {
			fmt.Println("Certificate authority: not bootstrapped")
			fmt.Println("  The CA is created by the first startup run after a deployment.")
			return nil
		}

		fmt.Println("Certificate authority: bootstrapped")
		fmt.Printf("  Fingerprint:         %s\n", st.Fingerprint)
		fmt.Printf("  Created:             %s\n", st.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  Root expires:        %s\n", st.RootExpiry.Format(time.RFC3339))
		fmt.Printf("  Intermediate expires: %s\n", st.IntermediateExpiry.Format(time.RFC3339))
		if st.URL != "" {
			fmt.Printf("  URL:                 %s\n", st.URL)
		}
		fmt.Printf("  Shared root:         %s\n", authority.SharedRootPath())
		return nil
	},
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect service certificates",
}

var certStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each TLS service's certificate expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer := newIssuer(cfg, newAuthority(cfg))
		now := time.Now()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tEXPIRES\tREMAINING\tSTATUS")
		for _, kind := range types.AllServiceKinds {
			if !kind.TLS().Needed {
				continue
			}
			bundle, err := issuer.Inspect(kind.String())
			switch {
			case errors.Is(err, fs.ErrNotExist):
				fmt.Fprintf(w, "%s\t-\t-\tnot issued\n", kind)
				continue
			case err != nil:
				fmt.Fprintf(w, "%s\t-\t-\tunreadable: %v\n", kind, err)
				continue
			}

			status := "ok"
			if bundle.NeedsRenewal(now, issuer.Threshold()) {
				status = "renewal due"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				kind,
				bundle.ExpiresAt.Format(time.RFC3339),
				bundle.ExpiresAt.Sub(now).Round(time.Hour),
				status,
			)
		}
		return w.Flush()
	},
}

func init() {
	caCmd.AddCommand(caStatusCmd)
	certCmd.AddCommand(certStatusCmd)
}
