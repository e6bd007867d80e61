// Command ensemble is the thin C14 client: it discovers the daemon's
// IPC socket, autostarts it when unreachable, sends one typed rpc.Request,
// and renders the rpc.Response, per spec section 6's CLI surface and
// 4.C14. The command surface itself (verbs, flags) is peripheral per
// spec's Non-goals; only the noun set and the discover/autostart/render
// shape are specified.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ensemble-dev/ensemble/internal/cliclient"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/rpc"
)

var (
	jsonOutput bool
	client     *cliclient.Client
)

func main() {
	root := &cobra.Command{
		Use:   "ensemble",
		Short: "Control the ensemble daemon: agents, providers, profiles, proxy, terminals",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := paths.Default()
			if err != nil {
				return err
			}
			layout := paths.NewLayout(dirs)
			client = cliclient.New(cliclient.Discover(layout))
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "render machine-readable JSON output")

	root.AddCommand(
		newAgentsCmd(),
		newProvidersCmd(),
		newProfilesCmd(),
		newAliasesCmd(),
		newRegistryCmd(),
		newStatsCmd(),
		newDaemonCmd(),
		newHooksCmd(),
		newProxyCmd(),
		newTerminalCmd(),
		newPingCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// send dispatches req, renders the response, and returns a non-nil error
// (already printed) when the daemon reported a failure, so callers can
// propagate a non-zero exit code without double-printing.
func send(req rpc.Request, render func(interface{})) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "error [%d]: %s\n", resp.Error.Code, resp.Error.Message)
		return fmt.Errorf("request failed")
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Data)
	}
	render(resp.Data)
	return nil
}

// asSlice coerces decoded JSON data (always []interface{} or
// []map[string]interface{} after the round trip) into a row slice for
// table rendering, tolerating a nil/empty response.
func asSlice(data interface{}) []interface{} {
	if data == nil {
		return nil
	}
	if s, ok := data.([]interface{}); ok {
		return s
	}
	return nil
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func newTable(headers ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader(headers)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	return t
}

// ── agents ──────────────────────────────────────────────────────────

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Inspect known agent manifests and detection status"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every known agent",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeAgentsList}, func(data interface{}) {
					t := newTable("ID", "NAME", "INSTALLED", "VERSION")
					for _, row := range asSlice(data) {
						m := asMap(row)
						t.Append([]string{str(m, "id"), str(m, "name"), str(m, "installed"), str(m, "version")})
					}
					t.Render()
				})
			},
		},
		&cobra.Command{
			Use:   "inspect [agent-id]",
			Short: "Show one agent's manifest and detection result",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeAgentsInspect, AgentID: args[0]}, printJSON)
			},
		},
	)
	return cmd
}

// ── providers ───────────────────────────────────────────────────────

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "providers", Short: "Inspect known provider manifests"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every known provider",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeProvidersList}, func(data interface{}) {
					t := newTable("ID", "NAME", "TYPE")
					for _, row := range asSlice(data) {
						m := asMap(row)
						t.Append([]string{str(m, "id"), str(m, "name"), str(m, "type")})
					}
					t.Render()
				})
			},
		},
		&cobra.Command{
			Use:   "inspect [provider-id]",
			Short: "Show one provider's manifest",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeProvidersInspect, ProviderID: args[0]}, printJSON)
			},
		},
	)
	return cmd
}

// ── profiles ────────────────────────────────────────────────────────

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profiles", Short: "Create, list, run, and delete agent profiles"}

	var agentID, providerID, endpointID, model, apiKey string
	create := &cobra.Command{
		Use:   "create [alias]",
		Short: "Create a new profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{
				Type: rpc.TypeProfilesCreate, Alias: args[0],
				AgentID: agentID, ProviderID: providerID, EndpointID: endpointID,
				Model: model, APIKey: apiKey,
			}, printJSON)
		},
	}
	create.Flags().StringVar(&agentID, "agent", "", "agent id")
	create.Flags().StringVar(&providerID, "provider", "", "provider id")
	create.Flags().StringVar(&endpointID, "endpoint", "", "endpoint name")
	create.Flags().StringVar(&model, "model", "", "model name")
	create.Flags().StringVar(&apiKey, "api-key", "", "API key to store in the keychain")
	_ = create.MarkFlagRequired("agent")
	_ = create.MarkFlagRequired("provider")

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProfilesList, AgentID: agentID}, func(data interface{}) {
				t := newTable("ALIAS", "AGENT", "PROVIDER", "MODEL", "RUNS", "LAST USED")
				for _, row := range asSlice(data) {
					m := asMap(row)
					t.Append([]string{
						str(m, "alias"), str(m, "agent_id"), str(m, "provider_id"),
						str(m, "model"), str(m, "total_runs"), str(m, "last_used"),
					})
				}
				t.Render()
			})
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "filter by agent id")

	inspect := &cobra.Command{
		Use:   "inspect [alias]",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProfilesInspect, Alias: args[0]}, printJSON)
		},
	}

	run := &cobra.Command{
		Use:   "run [alias] -- [args...]",
		Short: "Launch an agent under a profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProfilesRun, Alias: args[0], ExtraArgs: args[1:]}, printJSON)
		},
	}

	del := &cobra.Command{
		Use:   "delete [alias]",
		Short: "Delete a profile record (its home directory is preserved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProfilesDelete, Alias: args[0]}, printJSON)
		},
	}

	env := &cobra.Command{
		Use:   "env [alias]",
		Short: "Print the resolved environment for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProfilesEnv, Alias: args[0]}, printJSON)
		},
	}

	cmd.AddCommand(create, list, inspect, run, del, env)
	return cmd
}

// ── aliases ─────────────────────────────────────────────────────────

func newAliasesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "aliases", Short: "Install or remove a profile's shell alias"}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "install [alias]",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeAliasesInstall, Alias: args[0]}, printJSON)
			},
		},
		&cobra.Command{
			Use:  "uninstall [alias]",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeAliasesUninstall, Alias: args[0]}, printJSON)
			},
		},
	)
	return cmd
}

// ── registry ────────────────────────────────────────────────────────

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "Sync and inspect the manifest registry"}

	var force, offline bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Sync manifests and pricing from the remote registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeRegistrySync, Force: force, Offline: offline}, printJSON)
		},
	}
	sync.Flags().BoolVar(&force, "force", false, "sync even if the last sync was recent")
	sync.Flags().BoolVar(&offline, "offline", false, "report lock status without fetching")

	pinCmd := &cobra.Command{
		Use:   "pin [ref]",
		Short: "Pin the registry to a specific commit/tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeRegistryPin, Pin: args[0]}, printJSON)
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show the current registry lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeRegistryInspect}, printJSON)
		},
	}

	cmd.AddCommand(sync, pinCmd, inspect)
	return cmd
}

// ── stats ───────────────────────────────────────────────────────────

func newStatsCmd() *cobra.Command {
	var agentID, providerID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show session and token/cost aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeStats, AgentID: agentID, ProviderID: providerID}, printJSON)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&providerID, "provider", "", "filter by provider id")
	return cmd
}

// ── daemon ──────────────────────────────────────────────────────────

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "daemon", Short: "Control the background daemon"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "shutdown",
			Short: "Ask the daemon to shut down gracefully",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: rpc.TypeShutdown}, printJSON)
			},
		},
	)
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is reachable, starting it if necessary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypePing}, printJSON)
		},
	}
}

// ── hooks ───────────────────────────────────────────────────────────

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hooks", Short: "Manage a profile's lifecycle hooks"}

	var event, matcher string
	var actions []string
	add := &cobra.Command{
		Use:  "add [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{
				Type: rpc.TypeHooksAdd, Alias: args[0],
				HookEvent: event, HookMatcher: matcher, HookActions: actions,
			}, printJSON)
		},
	}
	add.Flags().StringVar(&event, "event", "", "pre-tool-use|post-tool-use|notification|stop")
	add.Flags().StringVar(&matcher, "matcher", "", "tool-name matcher")
	add.Flags().StringSliceVar(&actions, "action", nil, "command or URL to invoke (repeatable)")
	_ = add.MarkFlagRequired("event")

	list := &cobra.Command{
		Use:  "list [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeHooksList, Alias: args[0]}, printJSON)
		},
	}

	remove := &cobra.Command{
		Use:  "remove [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeHooksRemove, Alias: args[0], HookEvent: event, HookMatcher: matcher}, printJSON)
		},
	}
	remove.Flags().StringVar(&event, "event", "", "event kind")
	remove.Flags().StringVar(&matcher, "matcher", "", "matcher to remove")

	var hooksFile string
	importCmd := &cobra.Command{
		Use:  "import [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(hooksFile)
			if err != nil {
				return err
			}
			return send(rpc.Request{Type: rpc.TypeHooksImport, Alias: args[0], HooksJSON: string(data)}, printJSON)
		},
	}
	importCmd.Flags().StringVar(&hooksFile, "file", "", "JSON file to import")
	_ = importCmd.MarkFlagRequired("file")

	export := &cobra.Command{
		Use:  "export [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeHooksExport, Alias: args[0]}, printJSON)
		},
	}

	cmd.AddCommand(add, list, remove, importCmd, export)
	return cmd
}

// ── proxy ───────────────────────────────────────────────────────────

func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proxy", Short: "Supervise per-profile sidecar routing proxies"}

	simple := func(use, short, typ string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(rpc.Request{Type: typ, Alias: args[0]}, printJSON)
			},
		}
	}

	var port int
	start := &cobra.Command{
		Use:  "start [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rpc.Request{Type: rpc.TypeProxyStart, Alias: args[0]}
			if port != 0 {
				req.ProxyPort = &port
			}
			return send(req, printJSON)
		},
	}
	start.Flags().IntVar(&port, "port", 0, "preferred port in [8080,8180]")

	stopAll := &cobra.Command{
		Use: "stop-all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProxyStopAll}, printJSON)
		},
	}

	var strategy string
	routeAdd := &cobra.Command{
		Use:  "route-add [alias] [condition] [target]",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{
				Type: rpc.TypeProxyRouteAdd, Alias: args[0],
				RouteCondition: args[1], RouteTarget: args[2], RoutingStrategy: strategy,
			}, printJSON)
		},
	}
	routeAdd.Flags().StringVar(&strategy, "strategy", "", "routing strategy override")

	routeList := &cobra.Command{
		Use:  "route-list [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProxyRouteList, Alias: args[0]}, printJSON)
		},
	}

	var lines int
	logs := &cobra.Command{
		Use:  "logs [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeProxyLogs, Alias: args[0], LogLines: lines}, func(data interface{}) {
				if m := asMap(data); m != nil {
					fmt.Println(str(m, "lines"))
					return
				}
				printJSON(data)
			})
		},
	}
	logs.Flags().IntVar(&lines, "lines", 100, "number of trailing log lines")

	cmd.AddCommand(
		simple("enable [alias]", "Enable the proxy for a profile", rpc.TypeProxyEnable),
		simple("disable [alias]", "Disable the proxy for a profile", rpc.TypeProxyDisable),
		start,
		simple("stop [alias]", "Stop a running proxy", rpc.TypeProxyStop),
		stopAll,
		simple("restart [alias]", "Restart a profile's proxy", rpc.TypeProxyRestart),
		simple("status [alias]", "Show a profile's proxy status", rpc.TypeProxyStatus),
		simple("config [alias]", "Show the generated proxy config", rpc.TypeProxyConfig),
		logs,
		routeAdd,
		routeList,
	)
	return cmd
}

// ── terminal ────────────────────────────────────────────────────────

func newTerminalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "terminal", Short: "Open and inspect PTY terminal sessions"}

	var workingDir string
	var cols, rows int
	create := &cobra.Command{
		Use:  "create [alias]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{
				Type: rpc.TypeTerminalCreate, Alias: args[0],
				WorkingDir: workingDir, Cols: cols, Rows: rows,
			}, printJSON)
		},
	}
	create.Flags().StringVar(&workingDir, "dir", "", "working directory")
	create.Flags().IntVar(&cols, "cols", 80, "terminal width")
	create.Flags().IntVar(&rows, "rows", 24, "terminal height")

	list := &cobra.Command{
		Use: "list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeTerminalList}, func(data interface{}) {
				t := newTable("SESSION ID", "ALIAS", "STATE", "CLIENTS")
				for _, row := range asSlice(data) {
					m := asMap(row)
					t.Append([]string{str(m, "id"), str(m, "profile_alias"), str(m, "state"), str(m, "client_count")})
				}
				t.Render()
			})
		},
	}

	inspect := &cobra.Command{
		Use:  "inspect [session-id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeTerminalInspect, SessionID: args[0]}, printJSON)
		},
	}

	terminate := &cobra.Command{
		Use:  "terminate [session-id]",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(rpc.Request{Type: rpc.TypeTerminalTerminate, SessionID: args[0]}, printJSON)
		},
	}

	cmd.AddCommand(create, list, inspect, terminate)
	return cmd
}

// printJSON is the fallback human renderer for responses that don't have a
// dedicated table: it prints "ok" for a nil payload, a single k=v line for
// a map of at most two keys when that line is under 120 characters, and
// indented JSON otherwise.
func printJSON(data interface{}) {
	if data == nil {
		fmt.Println("ok")
		return
	}
	if m := asMap(data); m != nil && len(m) <= 2 {
		var parts []string
		for k, v := range m {
			parts = append(parts, k+"="+fmt.Sprint(v))
		}
		if len(strings.Join(parts, " ")) < 120 {
			fmt.Println(strings.Join(parts, " "))
			return
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
