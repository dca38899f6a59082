package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/snmp"
	"github.com/paularlott/cli"
	"golang.org/x/term"
)

// Commands returns the router management commands
func Commands() []*cli.Command {
	return []*cli.Command{
		addCommand(),
		listCommand(),
		probeCommand(),
		exportCommand(),
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:        "add",
		Usage:       "Register a router",
		Description: "Register a RouterOS router. The API password is prompted for unless --password-file is given.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Router name", Required: true},
			&cli.StringFlag{Name: "host", Usage: "Router address", Required: true},
			&cli.IntFlag{Name: "port", Usage: "REST API port (default 443 with TLS, 80 without)"},
			&cli.StringFlag{Name: "username", Usage: "API username", Required: true},
			&cli.StringFlag{Name: "password-file", Usage: "Read the API password from a file, or - for stdin"},
			&cli.BoolFlag{Name: "tls", Usage: "Use HTTPS", DefaultValue: true},
			&cli.StringFlag{Name: "snmp-community", Usage: "SNMP community for liveness probes"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			password, err := readPassword(cmd.GetString("password-file"))
			if err != nil {
				return err
			}

			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()

			router := &model.Router{
				Name:          cmd.GetString("name"),
				Host:          cmd.GetString("host"),
				Port:          cmd.GetInt("port"),
				Username:      cmd.GetString("username"),
				UseTLS:        cmd.GetBool("tls"),
				SNMPCommunity: cmd.GetString("snmp-community"),
			}
			if err := addRouter(ctx, a, router, password); err != nil {
				return err
			}
			fmt.Printf("Router created: %s (ID: %s)\n", router.Name, router.ID)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List routers",
		Description: "List registered routers with their last known status",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()
			return listRouters(ctx, a, os.Stdout)
		},
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:        "probe",
		Usage:       "Probe a router",
		Description: "Check router liveness over SNMP, or TCP when no community is configured, and record the result",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := probeRouter(ctx, a, snmp.NewProber(a.Config.ProbeTimeout), cmd.GetStringArg("id"))
			if err != nil {
				return err
			}
			printProbe(os.Stdout, result)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:        "export",
		Usage:       "Export local records",
		Description: "Write routers, profiles, pools, subscriptions, pending re-homing and open findings as JSON. Credentials stay sealed.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.Open()
			if err != nil {
				return err
			}
			defer a.Close()

			var w io.Writer = os.Stdout
			if path := cmd.GetString("output"); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.Store.Export(ctx, w)
		},
	}
}

// addRouter seals password and stores the router
func addRouter(ctx context.Context, a *app.App, router *model.Router, password string) error {
	if router.Port < 0 || router.Port > 65535 {
		return fmt.Errorf("port %d out of range", router.Port)
	}
	sealed, err := a.Vault.Seal(secrets.ScopeRouter, password)
	if err != nil {
		return err
	}
	router.Password = sealed
	return a.Store.CreateRouter(ctx, router)
}

func listRouters(ctx context.Context, a *app.App, w io.Writer) error {
	routers, err := a.Store.ListRouters(ctx)
	if err != nil {
		return err
	}
	if len(routers) == 0 {
		fmt.Fprintln(w, "No routers found")
		return nil
	}
	for _, r := range routers {
		lastSeen := "never"
		if r.LastSeen != nil {
			lastSeen = r.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Host, r.Status, lastSeen)
	}
	return nil
}

type prober interface {
	Probe(ctx context.Context, router *model.Router) *snmp.Result
}

// probeRouter probes one router and records its status
func probeRouter(ctx context.Context, a *app.App, p prober, id string) (*snmp.Result, error) {
	router, err := a.Store.GetRouter(ctx, id)
	if err != nil {
		return nil, err
	}
	result := p.Probe(ctx, router)
	var lastSeen *time.Time
	if result.Reachable {
		now := time.Now().UTC()
		lastSeen = &now
	}
	if err := a.Store.UpdateRouterStatus(ctx, router.ID, result.Status(), lastSeen); err != nil {
		return nil, err
	}
	return result, nil
}

func printProbe(w io.Writer, r *snmp.Result) {
	fmt.Fprintf(w, "Router:    %s\n", r.RouterID)
	fmt.Fprintf(w, "Reachable: %v\n", r.Reachable)
	fmt.Fprintf(w, "Method:    %s\n", r.Method)
	fmt.Fprintf(w, "RTT:       %s\n", r.RTT)
	if r.SysName != "" {
		fmt.Fprintf(w, "SysName:   %s\n", r.SysName)
	}
	if r.Uptime > 0 {
		fmt.Fprintf(w, "Uptime:    %s\n", r.Uptime)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
}

// readPassword reads from path, from stdin when path is "-", or prompts
// with echo disabled.
func readPassword(path string) (string, error) {
	switch path {
	case "":
	case "-":
		return readFirstLine(os.Stdin)
	default:
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return readFirstLine(f)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "API password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

func readFirstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is empty")
	}
	return line, nil
}
