package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	client  string
	secret  string
	timeout time.Duration

	api *apiClient
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "callrouterctl",
		Short:         "Manage a callrouter daemon over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.api = newAPIClient(opts.server, opts.timeout)
			opts.api.token = opts.token
			opts.api.clientName = opts.client
			opts.api.clientSecret = opts.secret
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("CALLROUTER_SERVER", "http://localhost:8080"), "callrouter API base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("CALLROUTER_TOKEN"), "bearer token")
	pf.StringVar(&opts.client, "client", envOr("CALLROUTER_CLIENT", "admin"), "API client name")
	pf.StringVar(&opts.secret, "secret", os.Getenv("CALLROUTER_CLIENT_SECRET"), "API client secret")
	pf.DurationVar(&opts.timeout, "timeout", 90*time.Second, "HTTP request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newTokenCmd(opts),
		newCallsCmd(opts),
		newAccountsCmd(opts),
		newServicesCmd(opts),
		newSettingsCmd(opts),
		newClientsCmd(opts),
		newAttemptLogCmd(opts),
	)
	return root
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// getAndPrint is the common body of read-only commands.
func getAndPrint(cmd *cobra.Command, opts *options, path string) error {
	var out any
	if err := opts.api.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := opts.api.send(cmd.Context(), http.MethodGet, "/api/v1/health", nil, &out, false); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange client credentials for a bearer token and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.api.token = ""
			if err := opts.api.authenticate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), opts.api.token)
			return nil
		},
	}
}

func newCallsCmd(opts *options) *cobra.Command {
	calls := &cobra.Command{
		Use:   "calls",
		Short: "Place and control calls",
	}

	var place struct {
		target, preferred, user               string
		emergency, testEmergency, selfManaged bool
		incoming, conference                  bool
		wait                                  int
	}
	placeCmd := &cobra.Command{
		Use:   "place ADDRESS",
		Short: "Place a call to ADDRESS (for example tel:+61255501234)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"address":           args[0],
				"target_account":    place.target,
				"preferred_account": place.preferred,
				"user":              place.user,
				"emergency":         place.emergency,
				"test_emergency":    place.testEmergency,
				"self_managed":      place.selfManaged,
				"incoming":          place.incoming,
				"adhoc_conference":  place.conference,
				"wait_seconds":      place.wait,
			}
			var out any
			if err := opts.api.do(cmd.Context(), http.MethodPost, "/api/v1/calls", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	f := placeCmd.Flags()
	f.StringVar(&place.target, "target", "", "target account handle (package/class/id)")
	f.StringVar(&place.preferred, "preferred", "", "preferred account handle for emergency routing")
	f.StringVar(&place.user, "user", "", "user owning the handles")
	f.BoolVar(&place.emergency, "emergency", false, "emergency call")
	f.BoolVar(&place.testEmergency, "test-emergency", false, "test emergency call")
	f.BoolVar(&place.selfManaged, "self-managed", false, "call is managed by its own service")
	f.BoolVar(&place.incoming, "incoming", false, "call is incoming")
	f.BoolVar(&place.conference, "conference", false, "ad hoc conference call")
	f.IntVar(&place.wait, "wait", 0, "seconds to wait for an outcome")

	var state string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/calls?limit=100"
			if state != "" {
				path += "&state=" + url.QueryEscape(state)
			}
			return getAndPrint(cmd, opts, path)
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "only calls in this state")

	var cont struct{ cause, reason string }
	continueCmd := &cobra.Command{
		Use:   "continue ID",
		Short: "Resume a connected call whose connection failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			body := map[string]string{"cause": cont.cause, "reason": cont.reason}
			if err := opts.api.do(cmd.Context(), http.MethodPost, callPath(args[0], "/continue"), body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	continueCmd.Flags().StringVar(&cont.cause, "cause", "error", "disconnect cause of the failed connection")
	continueCmd.Flags().StringVar(&cont.reason, "reason", "", "free-form reason")

	calls.AddCommand(
		placeCmd,
		listCmd,
		&cobra.Command{
			Use:   "get ID",
			Short: "Show a call",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, callPath(args[0], ""))
			},
		},
		&cobra.Command{
			Use:   "abort ID",
			Short: "Abort a call, or hang it up if connected",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out any
				if err := opts.api.do(cmd.Context(), http.MethodDelete, callPath(args[0], ""), nil, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		},
		continueCmd,
		&cobra.Command{
			Use:   "attempts ID",
			Short: "Show the attempt list built for a call",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, callPath(args[0], "/attempts"))
			},
		},
		&cobra.Command{
			Use:   "log ID",
			Short: "Show the attempt log of a call",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, callPath(args[0], "/log"))
			},
		},
	)
	return calls
}

func callPath(id, suffix string) string {
	return "/api/v1/calls/" + url.PathEscape(id) + suffix
}

func newAccountsCmd(opts *options) *cobra.Command {
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect registered accounts",
	}
	var user string
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/accounts?limit=100"
			if user != "" {
				path += "&user=" + url.QueryEscape(user)
			}
			return getAndPrint(cmd, opts, path)
		},
	}
	list.Flags().StringVar(&user, "user", "", "only accounts owned by this user")

	accounts.AddCommand(list, &cobra.Command{
		Use:   "delete ID",
		Short: "Unregister an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.api.do(cmd.Context(), http.MethodDelete, "/api/v1/accounts/"+url.PathEscape(args[0]), nil, nil)
		},
	})
	return accounts
}

func newServicesCmd(opts *options) *cobra.Command {
	services := &cobra.Command{
		Use:   "services",
		Short: "Inspect connection services",
	}
	services.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured services",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, "/api/v1/services")
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show live binding state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, "/api/v1/services/status")
			},
		},
		&cobra.Command{
			Use:   "reload",
			Short: "Rebind services from the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var out any
				if err := opts.api.do(cmd.Context(), http.MethodPost, "/api/v1/services/reload", nil, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		},
	)
	return services
}

func newSettingsCmd(opts *options) *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Manage routing settings",
	}
	settings.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show all settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, "/api/v1/settings")
			},
		},
		&cobra.Command{
			Use:   "set KEY=VALUE...",
			Short: "Set one or more settings",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := make(map[string]string, len(args))
				for _, a := range args {
					k, v, ok := strings.Cut(a, "=")
					if !ok || k == "" {
						return fmt.Errorf("argument %q is not KEY=VALUE", a)
					}
					body[k] = v
				}
				var out any
				if err := opts.api.do(cmd.Context(), http.MethodPut, "/api/v1/settings", body, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		},
		&cobra.Command{
			Use:   "unset KEY",
			Short: "Delete a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.api.do(cmd.Context(), http.MethodDelete, "/api/v1/settings/"+url.PathEscape(args[0]), nil, nil)
			},
		},
	)
	return settings
}

func newClientsCmd(opts *options) *cobra.Command {
	clients := &cobra.Command{
		Use:   "clients",
		Short: "Manage API clients",
	}
	clients.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List API clients",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd, opts, "/api/v1/clients")
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create an API client and print its secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out any
				if err := opts.api.do(cmd.Context(), http.MethodPost, "/api/v1/clients", map[string]string{"name": args[0]}, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete an API client",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.api.do(cmd.Context(), http.MethodDelete, "/api/v1/clients/"+url.PathEscape(args[0]), nil, nil)
			},
		},
	)
	return clients
}

func newAttemptLogCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "attempt-log",
		Short: "Show the newest attempt log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, opts, fmt.Sprintf("/api/v1/attempt-log?limit=%d", limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	return cmd
}
