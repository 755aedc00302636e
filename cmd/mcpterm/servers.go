package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/mcpterm/internal/config"
	"github.com/nugget/mcpterm/internal/render"
)

const serversAddUsage = "usage: mcpterm servers add <name> [--transport stdio|http|ws] [--command cmd] [--arg a ...] [--url url] [--description text]"

// runServers dispatches the "mcpterm servers" subcommands. With no
// subcommand it reports live status.
func runServers(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, args []string) error {
	sub := ""
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "", "status":
		return runServerStatus(ctx, stdout, stderr, opts)
	case "list", "ls":
		return runServerList(stdout, stderr, opts)
	case "add":
		s, err := parseServerAddArgs(args)
		if err != nil {
			return err
		}
		return runServerAdd(stdout, opts, s)
	case "remove", "rm":
		name, force, err := parseServerRemoveArgs(args)
		if err != nil {
			return err
		}
		return runServerRemove(stdin, stdout, opts, name, force)
	default:
		return fmt.Errorf("unknown servers subcommand: %s", sub)
	}
}

// runServerStatus connects each server and reports the outcome.
func runServerStatus(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	a.sessions.ConnectAll(ctx)
	status := a.sessions.Status()

	if opts.outputFmt == "json" {
		out := make([]map[string]any, 0, len(status))
		for _, s := range status {
			entry := map[string]any{
				"name":      s.Name,
				"transport": s.Transport,
				"state":     s.State.String(),
				"tools":     s.Tools,
			}
			if s.Info.Name != "" {
				entry["server_info"] = s.Info
			}
			if s.Err != nil {
				entry["error"] = s.Err.Error()
			}
			out = append(out, entry)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	render.New(stdout, stderr, opts.noColor).Servers(status)
	return nil
}

// runServerList prints the configured servers, disabled ones included,
// without connecting. Env and headers are omitted; they may hold
// credentials.
func runServerList(stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		out := make([]map[string]any, 0, len(cfg.Servers))
		for _, s := range cfg.Servers {
			entry := map[string]any{
				"name":      s.Name,
				"transport": s.MCP().Transport,
				"disabled":  s.Disabled,
			}
			if s.Description != "" {
				entry["description"] = s.Description
			}
			if s.Command != "" {
				entry["command"] = s.Command
				entry["args"] = s.Args
			}
			if s.URL != "" {
				entry["url"] = s.URL
			}
			out = append(out, entry)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	render.New(stdout, stderr, opts.noColor).ServerConfigs(cfg.Servers)
	return nil
}

func runServerAdd(stdout io.Writer, opts options, s config.ServerConfig) error {
	path, err := editableConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := config.AddServer(path, s); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "  ✓ added server %s to %s\n", s.Name, path)
	return nil
}

// runServerRemove asks for confirmation on stdin unless force is set.
func runServerRemove(stdin io.Reader, stdout io.Writer, opts options, name string, force bool) error {
	path, err := editableConfig(opts.configPath)
	if err != nil {
		return err
	}

	if !force {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		found := false
		for _, s := range cfg.Servers {
			found = found || s.Name == name
		}
		if !found {
			return fmt.Errorf("unknown server %q", name)
		}

		fmt.Fprintf(stdout, "Remove server %s from %s? [y/N] ", name, path)
		answer, _ := bufio.NewReader(stdin).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		default:
			fmt.Fprintln(stdout, "Cancelled.")
			return nil
		}
	}

	if err := config.RemoveServer(path, name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "  ✓ removed server %s from %s\n", name, path)
	return nil
}

// editableConfig resolves the config file that add and remove rewrite.
// Unlike the read path there is no fallback to defaults.
func editableConfig(explicit string) (string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New(`no config file found; run "mcpterm init" or pass -config`)
	}
	return path, nil
}

// parseServerAddArgs reads "<name> [--flag value ...]". --arg, --env,
// and --header repeat; their values are taken verbatim even when they
// start with a dash.
func parseServerAddArgs(args []string) (config.ServerConfig, error) {
	var s config.ServerConfig
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return s, errors.New(serversAddUsage)
	}
	s.Name = args[0]

	for i := 1; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return s, fmt.Errorf("unexpected argument %q\n%s", arg, serversAddUsage)
		}
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")

		switch key {
		case "notifications":
			s.Notifications = true
			continue
		case "disabled":
			s.Disabled = true
			continue
		}

		if !hasValue {
			if i+1 >= len(args) {
				return s, fmt.Errorf("--%s requires a value", key)
			}
			i++
			value = args[i]
		}

		switch key {
		case "transport":
			s.Transport = value
		case "command":
			s.Command = value
		case "arg":
			s.Args = append(s.Args, value)
		case "url":
			s.URL = value
		case "description":
			s.Description = value
		case "cwd":
			s.Cwd = value
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return s, fmt.Errorf("--timeout: %w", err)
			}
			s.Timeout = d
		case "env", "header":
			k, v, ok := strings.Cut(value, "=")
			if !ok || k == "" {
				return s, fmt.Errorf("--%s wants KEY=VALUE, got %q", key, value)
			}
			if key == "env" {
				if s.Env == nil {
					s.Env = make(map[string]string)
				}
				s.Env[k] = v
			} else {
				if s.Headers == nil {
					s.Headers = make(map[string]string)
				}
				s.Headers[k] = v
			}
		default:
			return s, fmt.Errorf("unknown flag --%s\n%s", key, serversAddUsage)
		}
	}
	return s, nil
}

func parseServerRemoveArgs(args []string) (name string, force bool, err error) {
	for _, arg := range args {
		switch {
		case arg == "--force" || arg == "-f":
			force = true
		case strings.HasPrefix(arg, "-"):
			return "", false, fmt.Errorf("unknown flag %s", arg)
		case name == "":
			name = arg
		default:
			return "", false, fmt.Errorf("unexpected argument %q", arg)
		}
	}
	if name == "" {
		return "", false, errors.New("usage: mcpterm servers remove <name> [--force]")
	}
	return name, force, nil
}
