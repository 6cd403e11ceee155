package main

import (
	"fmt"
	"time"

	"github.com/psinet-ops/psinet/pkg/health"
	"github.com/psinet-ops/psinet/pkg/storage"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Probe live servers over their enabled protocols",
	Long: `Connect to every server (or the one named by --server) on the ports
its capabilities open: the web server with a handshake request, SSH with a
login, and the obfuscated SSH and meek ports. Exits nonzero when any check
fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID, _ := cmd.Flags().GetString("server")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		store := storage.NewBoltStore(cfg.Database.Path)
		n, err := store.Load(false)
		if err != nil {
			return err
		}

		var servers []*types.Server
		if serverID != "" {
			s, err := n.Server(serverID)
			if err != nil {
				return err
			}
			servers = append(servers, s)
		} else {
			servers = n.ListServers()
		}

		ctx, cancel := signalContext()
		defer cancel()

		reports := make([]*health.Report, len(servers))
		var g errgroup.Group
		g.SetLimit(concurrency)
		for i, s := range servers {
			host, _ := n.Host(s.HostID)
			checks, err := health.ServerChecks(host, s, timeout)
			if err != nil {
				reports[i] = &health.Report{ServerID: s.ID, Results: []health.NamedResult{{
					Name:   "setup",
					Result: health.Result{Message: err.Error(), CheckedAt: time.Now()},
				}}}
				continue
			}
			g.Go(func() error {
				reports[i] = health.Run(ctx, s.ID, checks)
				return nil
			})
		}
		_ = g.Wait()

		table := newTable(cmd.OutOrStdout(), "Server", "Check", "Result", "Time", "Message")
		failures := 0
		for _, r := range reports {
			for _, res := range r.Results {
				status := "ok"
				if !res.Healthy {
					status = "FAIL"
					failures++
				}
				table.Append([]string{r.ServerID, res.Name, status, res.Duration.Round(time.Millisecond).String(), res.Message})
			}
		}
		table.Render()

		if failures > 0 {
			return fmt.Errorf("%d checks failed", failures)
		}
		return nil
	},
}

func init() {
	testCmd.Flags().String("server", "", "Test only this server")
	testCmd.Flags().Duration("timeout", health.DefaultTimeout, "Timeout per check")
	testCmd.Flags().Int("concurrency", 10, "Servers tested at once")
}
