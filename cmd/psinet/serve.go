package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psinet-ops/psinet/pkg/handshake"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveHandshakeCmd = &cobra.Command{
	Use:   "serve-handshake",
	Short: "Answer client handshakes from a host snapshot",
	Long: `Serve the handshake endpoint of one server from the compartmentalized
snapshot deployed to this host. SIGHUP reloads the snapshot; a snapshot
that fails to load leaves the previous one in service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := cfg.HandshakeServer()
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			sc.ListenAddr = addr
		}
		if ip, _ := cmd.Flags().GetString("server-ip"); ip != "" {
			sc.ServerIP = ip
		}
		if path, _ := cmd.Flags().GetString("snapshot"); path != "" {
			sc.SnapshotPath = path
		}
		if sc.ServerIP == "" {
			return fmt.Errorf("handshake.server_ip or --server-ip is required")
		}

		metrics.SetVersion(Version)
		srv := handshake.NewServer(sc)
		if err := srv.Reload(); err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}

		collector := metrics.NewCollector(srv.Network, time.Minute)
		collector.Start()
		defer collector.Stop()

		srv.RunInBackground()
		fmt.Fprintf(cmd.OutOrStdout(), "Serving handshakes for %s on %s. Press Ctrl+C to stop.\n", sc.ServerIP, sc.ListenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)

		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := srv.Reload(); err == nil {
					log.Logger.Info().Msg("Snapshot reloaded")
				}
				continue
			}
			break
		}

		srv.Shutdown()
		return nil
	},
}

func init() {
	serveHandshakeCmd.Flags().String("listen", "", "Listen address (overrides handshake.listen_addr)")
	serveHandshakeCmd.Flags().String("server-ip", "", "Address of the server to answer for (overrides handshake.server_ip)")
	serveHandshakeCmd.Flags().String("snapshot", "", "Snapshot file (overrides handshake.snapshot_path)")
}
