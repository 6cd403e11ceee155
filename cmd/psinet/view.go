package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/storage"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty network database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewBoltStore(cfg.Database.Path)
		n, err := store.Init()
		if err != nil {
			return err
		}
		if len(cfg.SpeedTestURLs) > 0 {
			if err := n.SetSpeedTestURLs(cfg.SpeedTestURLs); err != nil {
				_ = store.Release(n)
				return err
			}
		}
		if _, err := n.DiscoveryHMACKey(); err != nil {
			_ = store.Release(n)
			return err
		}
		if err := store.Save(n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Initialized network database at %s\n", cfg.Database.Path)
		return nil
	},
}

var viewCmd = &cobra.Command{
	Use:   "view [channels|sponsors|hosts|servers|versions|pending|history]",
	Short: "Show the network read-only",
	Long: `Show the network without taking the session lock.

With no argument every section is printed.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"channels", "sponsors", "hosts", "servers", "versions", "pending", "history"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewBoltStore(cfg.Database.Path)
		n, err := store.Load(false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		sections := map[string]func(){
			"channels": func() { viewChannels(out, n) },
			"sponsors": func() { viewSponsors(out, n) },
			"hosts":    func() { viewHosts(out, n) },
			"servers":  func() { viewServers(out, n) },
			"versions": func() { viewVersions(out, n) },
			"pending":  func() { viewPending(out, n) },
		}
		if len(args) == 1 {
			if args[0] == "history" {
				return viewHistory(out, store)
			}
			show, ok := sections[args[0]]
			if !ok {
				return fmt.Errorf("unknown section %q", args[0])
			}
			show()
			return nil
		}
		for _, name := range []string{"channels", "sponsors", "hosts", "servers", "versions", "pending"} {
			fmt.Fprintf(out, "\n%s\n", strings.ToUpper(name))
			sections[name]()
		}
		return nil
	},
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	return table
}

func viewChannels(w io.Writer, n *psinet.Network) {
	table := newTable(w, "ID", "Name", "Mechanisms", "Servers", "New disc/prop", "Max age disc/prop", "Managed upgrades")
	for _, c := range n.ListPropagationChannels() {
		var mechanisms []string
		for _, m := range c.PropagationMechanismTypes {
			mechanisms = append(mechanisms, string(m))
		}
		table.Append([]string{
			c.ID,
			c.Name,
			strings.Join(mechanisms, ","),
			strconv.Itoa(len(n.ServersForChannel(c.ID))),
			fmt.Sprintf("%d/%d", c.NewDiscoveryServersCount, c.NewPropagationServersCount),
			fmt.Sprintf("%d/%d", c.MaxDiscoveryServerAgeInDays, c.MaxPropagationServerAgeInDays),
			strconv.FormatBool(c.PropagatorManagedUpgrades),
		})
	}
	table.Render()
}

func viewSponsors(w io.Writer, n *psinet.Network) {
	table := newTable(w, "ID", "Name", "Campaign", "Mechanism", "Bucket", "Platforms")
	for _, s := range n.ListSponsors() {
		if len(s.Campaigns) == 0 {
			table.Append([]string{s.ID, s.Name, "", "", "", ""})
			continue
		}
		for i, c := range s.Campaigns {
			id, name := s.ID, s.Name
			if i > 0 {
				id, name = "", ""
			}
			channel := c.PropagationChannelID
			if ch, err := n.PropagationChannel(c.PropagationChannelID); err == nil {
				channel = ch.Name
			}
			var platforms []string
			for _, p := range types.Platforms {
				if c.TargetsPlatform(p) {
					platforms = append(platforms, string(p))
				}
			}
			label := channel
			if addr := c.EmailAddress(); addr != "" {
				label += " " + addr
			}
			table.Append([]string{id, name, label, string(c.PropagationMechanismType), c.S3BucketName, strings.Join(platforms, ",")})
		}
	}
	table.Render()
}

func viewHosts(w io.Writer, n *psinet.Network) {
	table := newTable(w, "ID", "Provider", "IP", "Region", "Servers", "Created")
	for _, h := range n.ListHosts() {
		table.Append([]string{
			h.ID,
			h.Provider,
			h.IPAddress,
			h.Region,
			strconv.Itoa(len(n.ServersOnHost(h.ID))),
			formatTime(h.CreatedAt),
		})
	}
	table.Render()
}

func viewServers(w io.Writer, n *psinet.Network) {
	table := newTable(w, "ID", "Host", "IP", "Channel", "Role", "Capabilities", "Discovery", "Created")
	for _, s := range n.ListServers() {
		role := string(s.Role())
		if s.IsPermanent {
			role += " (permanent)"
		}
		var caps []string
		for _, c := range s.Capabilities.Enabled() {
			caps = append(caps, string(c))
		}
		discovery := ""
		if r := s.DiscoveryDateRange; r != nil {
			discovery = r.Start.Format("2006-01-02") + " - " + r.End.Format("2006-01-02")
		}
		table.Append([]string{
			s.ID,
			s.HostID,
			s.IPAddress,
			s.PropagationChannelID,
			role,
			strings.Join(caps, ","),
			discovery,
			formatTime(s.CreatedAt),
		})
	}
	table.Render()
}

func viewVersions(w io.Writer, n *psinet.Network) {
	table := newTable(w, "Platform", "Version", "Description", "Created")
	for _, p := range types.Platforms {
		for _, v := range n.ClientVersions[p] {
			table.Append([]string{string(p), strconv.Itoa(v.Version), v.Description, formatTime(v.CreatedAt)})
		}
	}
	table.Render()
}

func viewPending(w io.Writer, n *psinet.Network) {
	p := n.Pending()
	if p.Empty() {
		fmt.Fprintln(w, "Nothing to deploy")
		return
	}
	table := newTable(w, "Work", "Pending")
	table.Append([]string{"implementation hosts", strconv.Itoa(p.ImplementationHosts)})
	table.Append([]string{"data", strconv.FormatBool(p.Data)})
	table.Append([]string{"builds", strconv.Itoa(p.Builds)})
	table.Append([]string{"stats config", strconv.FormatBool(p.StatsConfig)})
	table.Append([]string{"email config", strconv.FormatBool(p.EmailConfig)})
	table.Append([]string{"websites", strconv.Itoa(p.Websites)})
	table.Append([]string{"provider removals", strconv.Itoa(p.ProviderRemovals)})
	table.Render()
}

func viewHistory(w io.Writer, store *storage.BoltStore) error {
	entries, err := store.History()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SavedAt.After(entries[j].SavedAt) })
	table := newTable(w, "Saved", "Schema", "Bytes")
	for _, e := range entries {
		table.Append([]string{formatTime(e.SavedAt), e.SchemaVersion, strconv.Itoa(e.Size)})
	}
	table.Render()
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
