package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/spf13/cobra"
)

// editor applies edit commands to a network. The interactive shell holds one
// locked network across commands; otherwise every command is its own
// session.
type editor struct {
	app     *app
	network *psinet.Network
}

func (e *editor) run(fn func(n *psinet.Network) error) error {
	if e != nil && e.network != nil {
		return fn(e.network)
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	return a.session(fn)
}

// newEditCmd builds the edit command tree. The shell builds a fresh tree per
// line so flag values never leak between commands.
func newEditCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Change the network (takes the session lock)",
	}
	cmd.AddCommand(newChannelCmd(e))
	cmd.AddCommand(newSponsorCmd(e))
	cmd.AddCommand(newCampaignCmd(e))
	cmd.AddCommand(newClientVersionCmd(e))
	cmd.AddCommand(newHostCmd(e))
	cmd.AddCommand(newServerCmd(e))
	cmd.AddCommand(&cobra.Command{
		Use:   "speed-test-urls URL...",
		Short: "Replace the speed test URLs handed to clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.SetSpeedTestURLs(args)
			})
		},
	})
	return cmd
}

func newChannelCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage propagation channels",
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a propagation channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("mechanism")
			var mechanisms []types.PropagationMechanism
			for _, m := range names {
				mechanisms = append(mechanisms, types.PropagationMechanism(m))
			}
			return e.run(func(n *psinet.Network) error {
				c, err := n.AddPropagationChannel(args[0], mechanisms)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Added propagation channel %s (%s)\n", c.Name, c.ID)
				return nil
			})
		},
	}
	add.Flags().StringSlice("mechanism", nil, "Propagation mechanisms: twitter, email-autoresponder, static-download")

	rotationCmd := &cobra.Command{
		Use:   "rotation NAME",
		Short: "Set how many servers a rotation launches and when they are pruned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newDiscovery, _ := cmd.Flags().GetInt("new-discovery")
			newPropagation, _ := cmd.Flags().GetInt("new-propagation")
			maxDiscovery, _ := cmd.Flags().GetInt("max-discovery-age")
			maxPropagation, _ := cmd.Flags().GetInt("max-propagation-age")
			return e.run(func(n *psinet.Network) error {
				return n.SetPropagationChannelRotation(args[0], newDiscovery, newPropagation, maxDiscovery, maxPropagation)
			})
		},
	}
	rotationCmd.Flags().Int("new-discovery", 0, "Discovery servers per rotation")
	rotationCmd.Flags().Int("new-propagation", 0, "Embedded servers per rotation")
	rotationCmd.Flags().Int("max-discovery-age", 0, "Prune discovery servers older than this many days (0 disables)")
	rotationCmd.Flags().Int("max-propagation-age", 0, "Prune propagation servers older than this many days (0 disables)")

	managed := &cobra.Command{
		Use:   "managed-upgrades NAME true|false",
		Short: "Set whether the propagator distributes upgrades itself",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := strconv.ParseBool(args[1])
			if err != nil {
				return err
			}
			return e.run(func(n *psinet.Network) error {
				return n.SetPropagatorManagedUpgrades(args[0], on)
			})
		},
	}

	cmd.AddCommand(add, rotationCmd, managed)
	return cmd
}

func newSponsorCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sponsor",
		Short: "Manage sponsors",
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a sponsor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				s, err := n.AddSponsor(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Added sponsor %s (%s)\n", s.Name, s.ID)
				return nil
			})
		},
	}

	homePage := &cobra.Command{
		Use:   "home-page SPONSOR REGION URL",
		Short: "Add or remove a home page; an empty REGION means every region",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mobile, _ := cmd.Flags().GetBool("mobile")
			remove, _ := cmd.Flags().GetBool("remove")
			return e.run(func(n *psinet.Network) error {
				switch {
				case remove:
					return n.RemoveSponsorHomePage(args[0], args[1], args[2])
				case mobile:
					return n.SetSponsorMobileHomePage(args[0], args[1], args[2])
				default:
					return n.SetSponsorHomePage(args[0], args[1], args[2])
				}
			})
		},
	}
	homePage.Flags().Bool("mobile", false, "Home page for mobile clients")
	homePage.Flags().Bool("remove", false, "Remove the home page instead of adding it")

	banner := &cobra.Command{
		Use:   "banner SPONSOR FILE",
		Short: "Set the banner image built into clients",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readBase64(args[1])
			if err != nil {
				return err
			}
			return e.run(func(n *psinet.Network) error {
				return n.SetSponsorBanner(args[0], data)
			})
		},
	}

	websiteBanner := &cobra.Command{
		Use:   "website-banner SPONSOR FILE LINK",
		Short: "Set the banner and link of the sponsor's download website",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readBase64(args[1])
			if err != nil {
				return err
			}
			return e.run(func(n *psinet.Network) error {
				return n.SetSponsorWebsiteBanner(args[0], data, args[2])
			})
		},
	}

	useDataFrom := &cobra.Command{
		Use:   "use-data-from SPONSOR OTHER",
		Short: "Serve OTHER's home pages, banner and regexes for SPONSOR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.SetSponsorUseDataFrom(args[0], args[1])
			})
		},
	}

	pageView := &cobra.Command{
		Use:   "page-view-regex SPONSOR REGEX REPLACE",
		Short: "Add a page view statistics regex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.AddSponsorPageViewRegex(args[0], args[1], args[2])
			})
		},
	}

	httpsRequest := &cobra.Command{
		Use:   "https-request-regex SPONSOR REGEX REPLACE",
		Short: "Add an HTTPS request statistics regex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.AddSponsorHTTPSRequestRegex(args[0], args[1], args[2])
			})
		},
	}

	cmd.AddCommand(add, homePage, banner, websiteBanner, useDataFrom, pageView, httpsRequest)
	return cmd
}

func newCampaignCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage sponsor campaigns",
	}

	add := &cobra.Command{
		Use:   "add SPONSOR CHANNEL",
		Short: "Add a campaign distributing SPONSOR's client through CHANNEL",
		Long: `Add a campaign. Exactly one of --email, --twitter-consumer-key or
--static selects the propagation mechanism.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			email, _ := flags.GetString("email")
			static, _ := flags.GetBool("static")
			languages, _ := flags.GetStringSlice("language")
			platformNames, _ := flags.GetStringSlice("platform")
			customSite, _ := flags.GetBool("custom-download-site")
			var twitter types.TwitterAccount
			twitter.ConsumerKey, _ = flags.GetString("twitter-consumer-key")
			twitter.ConsumerSecret, _ = flags.GetString("twitter-consumer-secret")
			twitter.AccessToken, _ = flags.GetString("twitter-access-token")
			twitter.AccessTokenSecret, _ = flags.GetString("twitter-access-token-secret")

			opts := psinet.CampaignOptions{
				Languages:          languages,
				CustomDownloadSite: customSite,
			}
			for _, p := range platformNames {
				opts.Platforms = append(opts.Platforms, types.Platform(p))
			}

			selected := 0
			for _, set := range []bool{email != "", twitter.ConsumerKey != "", static} {
				if set {
					selected++
				}
			}
			if selected != 1 {
				return fmt.Errorf("choose exactly one of --email, --twitter-consumer-key, --static")
			}

			return e.run(func(n *psinet.Network) error {
				var err error
				switch {
				case email != "":
					_, err = n.AddSponsorEmailCampaign(args[0], args[1], email, opts)
				case twitter.ConsumerKey != "":
					_, err = n.AddSponsorTwitterCampaign(args[0], args[1], twitter, opts)
				default:
					_, err = n.AddSponsorStaticDownloadCampaign(args[0], args[1], opts)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Added campaign for %s on %s\n", args[0], args[1])
				return nil
			})
		},
	}
	add.Flags().String("email", "", "Autoresponder address")
	add.Flags().String("twitter-consumer-key", "", "Twitter consumer key")
	add.Flags().String("twitter-consumer-secret", "", "Twitter consumer secret")
	add.Flags().String("twitter-access-token", "", "Twitter access token")
	add.Flags().String("twitter-access-token-secret", "", "Twitter access token secret")
	add.Flags().Bool("static", false, "Static download campaign")
	add.Flags().StringSlice("language", nil, "Languages of the campaign website")
	add.Flags().StringSlice("platform", nil, "Platforms to build for (default all)")
	add.Flags().Bool("custom-download-site", false, "The sponsor hosts its own download site")

	cmd.AddCommand(add)
	return cmd
}

func newClientVersionCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client-version",
		Short: "Manage client versions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add PLATFORM DESCRIPTION",
		Short: "Record a new client version and queue builds for it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, ok := types.ParsePlatform(args[0])
			if !ok {
				return fmt.Errorf("unknown platform %q", args[0])
			}
			return e.run(func(n *psinet.Network) error {
				v, err := n.AddClientVersion(platform, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s client version %d\n", platform, v.Version)
				return nil
			})
		},
	})
	return cmd
}

func newHostCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage hosts",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Register hand-provisioned hosts and their servers from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %v", err)
			}
			return e.run(func(n *psinet.Network) error {
				hosts, servers, err := importHosts(n, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d hosts and %d servers\n", hosts, servers)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a host and archive its servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.RemoveHost(args[0])
			})
		},
	}

	redeploy := &cobra.Command{
		Use:   "redeploy-all",
		Short: "Queue a server code deploy to every host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.MarkDeployImplementationRequiredForAllHosts()
			})
		},
	}

	cmd.AddCommand(importCmd, remove, redeploy)
	return cmd
}

func newServerCmd(e *editor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage servers",
	}

	disable := &cobra.Command{
		Use:   "disable ID",
		Short: "Stop handing out a server; existing VPN users drain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(func(n *psinet.Network) error {
				return n.DisableServer(args[0])
			})
		},
	}

	permanent := &cobra.Command{
		Use:   "permanent ID true|false",
		Short: "Keep a server embedded in every build",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := strconv.ParseBool(args[1])
			if err != nil {
				return err
			}
			return e.run(func(n *psinet.Network) error {
				return n.SetServerPermanent(args[0], on)
			})
		},
	}

	cmd.AddCommand(disable, permanent)
	return cmd
}

func readBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
