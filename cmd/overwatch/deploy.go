package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/overwatch/pkg/cluster"
	"github.com/cuemby/overwatch/pkg/deploy"
)

var deployCmd = &cobra.Command{
	Use:   "deploy -f FILE",
	Short: "Deploy a deployment description",
	Long: `Validate a YAML deployment description and write it as a new
configuration snapshot.

The key bundle of the current snapshot is reused; the first deployment
generates one. A running daemon picks the snapshot up at its next reload
check, or immediately on SIGHUP. With --run the startup run happens in this
process instead.

Examples:
  # Initial single-node deployment
  overwatch deploy -f deployment.yaml --comment "initial deployment"

  # Add nodes and start services right away
  overwatch deploy -f cluster.yaml --comment "added node2 and node3" --run`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "Deployment description YAML file (required)")
	deployCmd.Flags().String("comment", "", "Why this snapshot was created")
	deployCmd.Flags().Bool("rotate-keys", false, "Generate a new key bundle instead of reusing the current one")
	deployCmd.Flags().Bool("run", false, "Run startup in this process after writing the snapshot")
	_ = deployCmd.MarkFlagRequired("file")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	comment, _ := cmd.Flags().GetString("comment")
	rotate, _ := cmd.Flags().GetBool("rotate-keys")
	runNow, _ := cmd.Flags().GetBool("run")

	desc, err := deploy.ParseFile(file)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	opts := []deploy.Option{deploy.WithRotateKeys(rotate)}
	var st *stack
	if runNow {
		st, err = buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, deploy.WithTrigger(func(ctx context.Context) error {
			_, err := st.run(ctx, cluster.TriggerDeploy)
			return err
		}))
	}

	res, err := deploy.New(store, opts...).Deploy(cmd.Context(), desc, comment)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Snapshot %d written (%s mode, %d node(s))\n", res.Timestamp, res.Mode, desc.NodeCount())
	if res.KeysGenerated {
		fmt.Println("✓ New key bundle generated")
	}
	if !runNow {
		fmt.Println("  A running daemon applies it at its next reload check; send SIGHUP to apply now.")
		return nil
	}
	if res.TriggerErr != nil {
		return fmt.Errorf("snapshot written but startup failed: %w", res.TriggerErr)
	}
	fmt.Println("✓ Services started")
	return nil
}
