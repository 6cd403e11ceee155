package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Edit interactively, holding the session lock until exit",
	Long: `Start an interactive edit session. Every line is an edit command
without the "edit" prefix, for example:

  sponsor add acme
  sponsor home-page acme US "https://example.com/welcome"

Session commands:

  save     checkpoint the network and keep editing
  deploy   run the deploy driver on the pending work
  pending  show the pending deploy work
  exit     save and leave
  abort    leave without saving`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		n, err := a.store.Load(true)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		s := &shell{
			editor: &editor{app: a, network: n},
			in:     cmd.InOrStdin(),
			out:    cmd.OutOrStdout(),
		}
		save, err := s.loop(ctx)
		if !save {
			if rerr := a.store.Release(n); rerr != nil && err == nil {
				err = rerr
			}
			return err
		}
		if serr := a.store.Save(n); serr != nil {
			return serr
		}
		fmt.Fprintln(s.out, "✓ Saved")
		return err
	},
}

type shell struct {
	editor *editor
	in     io.Reader
	out    io.Writer
}

// loop runs commands until exit, abort or end of input. It reports whether
// the network should be saved.
func (s *shell) loop(ctx context.Context) (bool, error) {
	scanner := bufio.NewScanner(s.in)
	for {
		fmt.Fprint(s.out, "psinet> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return true, scanner.Err()
		}
		args, err := splitArgs(scanner.Text())
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "exit", "quit":
			return true, nil
		case "abort":
			return false, nil
		case "save":
			if err := s.editor.app.store.Checkpoint(s.editor.network); err != nil {
				fmt.Fprintf(s.out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(s.out, "✓ Saved")
		case "pending":
			viewPending(s.out, s.editor.network)
		case "deploy":
			if err := s.deploy(ctx); err != nil {
				fmt.Fprintf(s.out, "Error: %v\n", err)
			}
		default:
			s.exec(args)
		}
	}
}

func (s *shell) exec(args []string) {
	cmd := newEditCmd(s.editor)
	cmd.SetArgs(args)
	cmd.SetOut(s.out)
	cmd.SetErr(s.out)
	cmd.SilenceUsage = true
	// errors are already printed by cobra
	_ = cmd.Execute()
}

func (s *shell) deploy(ctx context.Context) error {
	driver, err := s.editor.app.driver()
	if err != nil {
		return err
	}
	stop := s.editor.app.follow(s.out)
	defer stop()
	return runDeploy(ctx, driver, s.editor.network, s.out)
}

// splitArgs splits a line on spaces, keeping double-quoted text together
func splitArgs(line string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuotes, started := false, false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\'):
			i++
			current.WriteByte(line[i])
		case c == '"':
			inQuotes = !inQuotes
			started = true
		case (c == ' ' || c == '\t') && !inQuotes:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteByte(c)
			started = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		args = append(args, current.String())
	}
	return args, nil
}
