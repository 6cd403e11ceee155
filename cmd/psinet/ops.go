package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/psinet-ops/psinet/pkg/compartment"
	"github.com/psinet-ops/psinet/pkg/deploy"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/storage"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Push pending work to hosts, builds and websites",
	Long: `Run every deploy phase that has pending work: server code, client
builds, host data, stats server config, email config, provider removals and
sponsor websites. Work that fails stays pending for the next run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		driver, err := a.driver()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		stop := a.follow(cmd.OutOrStdout())
		defer stop()
		return a.session(func(n *psinet.Network) error {
			return runDeploy(ctx, driver, n, cmd.OutOrStdout())
		})
	},
}

func runDeploy(ctx context.Context, driver *deploy.Driver, n *psinet.Network, out io.Writer) error {
	if n.Pending().Empty() {
		fmt.Fprintln(out, "Nothing to deploy")
		return nil
	}
	err := driver.Deploy(ctx, n)
	if left := n.Pending(); !left.Empty() {
		fmt.Fprintln(out, "Still pending:")
		viewPending(out, n)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Deploy complete")
	return nil
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Retire aged servers of every propagation channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		out := cmd.OutOrStdout()
		stop := a.follow(out)
		defer stop()
		return a.session(func(n *psinet.Network) error {
			r, err := a.rotator(n)
			if err != nil {
				return err
			}
			res, err := r.PruneAll(ctx)
			if res != nil {
				fmt.Fprintf(out, "Removed hosts: %s\n", strings.Join(res.RemovedHosts, ", "))
				fmt.Fprintf(out, "Disabled servers: %s\n", strings.Join(res.DisabledServers, ", "))
			}
			return err
		})
	},
}

var createServersCmd = &cobra.Command{
	Use:   "create-servers CHANNEL",
	Short: "Launch new servers for a channel, replacing its current ones",
	Long: `Launch new discovery and embedded servers for a propagation channel.
The channel's current embedded servers are unembedded and its discovery
ranges end now. Without flags the channel's rotation counts are used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		discovery, _ := cmd.Flags().GetInt("discovery")
		propagation, _ := cmd.Flags().GetInt("propagation")

		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		stop := a.follow(cmd.OutOrStdout())
		defer stop()
		return a.session(func(n *psinet.Network) error {
			r, err := a.rotator(n)
			if err != nil {
				return err
			}
			return r.ReplacePropagationChannelServers(ctx, args[0], discovery, propagation)
		})
	},
}

var refreshRoutesCmd = &cobra.Command{
	Use:   "refresh-routes DIR",
	Short: "Sign the per-region route files in DIR and publish them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pub, err := a.publisher()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		return a.session(func(n *psinet.Network) error {
			count, err := pub.PublishRoutes(ctx, n, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %d route files\n", count)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write the compartmentalized snapshot of a host or the stats server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, _ := cmd.Flags().GetString("host")
		stats, _ := cmd.Flags().GetBool("stats")
		output, _ := cmd.Flags().GetString("output")
		if (hostID == "") == !stats {
			return fmt.Errorf("choose exactly one of --host, --stats")
		}

		store := storage.NewBoltStore(cfg.Database.Path)
		n, err := store.Load(false)
		if err != nil {
			return err
		}
		var data []byte
		if stats {
			data, err = compartment.ForStats(n)
		} else {
			if err := checkDiscoveryKey(n); err != nil {
				return err
			}
			data, err = compartment.ForHost(n, hostID)
		}
		if err != nil {
			return err
		}
		if err := storage.WriteFileAtomic(output, data, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d bytes to %s\n", len(data), output)
		return nil
	},
}

// checkDiscoveryKey rejects networks whose discovery key was never created;
// a handshake server given such a snapshot hands out no discovery servers
func checkDiscoveryKey(n *psinet.Network) error {
	if n.DiscoveryStrategyValueHMACKey == "" {
		return fmt.Errorf("network has no discovery key yet: run 'psinet deploy' once before writing host snapshots")
	}
	return nil
}

func init() {
	createServersCmd.Flags().Int("discovery", -1, "Discovery servers to launch (default from the channel)")
	createServersCmd.Flags().Int("propagation", -1, "Embedded servers to launch (default from the channel)")

	snapshotCmd.Flags().String("host", "", "Host to write the snapshot for")
	snapshotCmd.Flags().Bool("stats", false, "Write the stats server snapshot")
	snapshotCmd.Flags().StringP("output", "o", "psi_data.json", "Output file")
}
