package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/overwatch/pkg/types"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect configuration snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		list, err := store.ListSnapshots()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No snapshots. This node runs in ephemeral mode until a deployment is made.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tCREATED\tCURRENT\tUSABLE\tCOMMENT")
		for _, s := range list {
			current := ""
			if s.Current {
				current = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n",
				s.Timestamp,
				time.UnixMilli(s.Timestamp).UTC().Format(time.RFC3339),
				current,
				s.Usable,
				s.Comment,
			)
		}
		return w.Flush()
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show [TIMESTAMP]",
	Short: "Show a snapshot's deployment description (default: current)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		var snap *types.Snapshot
		if len(args) == 0 {
			snap, err = store.LoadCurrent()
		} else {
			ts, perr := strconv.ParseInt(args[0], 10, 64)
			if perr != nil {
				return fmt.Errorf("invalid timestamp %q: %w", args[0], perr)
			}
			snap, err = store.Load(ts)
		}
		if err != nil {
			return err
		}

		fmt.Printf("# snapshot %d (%s mode)\n", snap.Timestamp, types.DeriveMode(snap))
		if snap.Comment != "" {
			fmt.Printf("# %s\n", snap.Comment)
		}
		if snap.Keys != nil {
			fmt.Printf("# keys: provisioner %q, %d signing key(s)\n", snap.Keys.ProvisionerName, len(snap.Keys.SigningKeys))
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(snap.Config)
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
}
