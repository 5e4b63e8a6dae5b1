package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omniprox/omniprox/internal/fleet"
	"github.com/omniprox/omniprox/internal/history"
	prov "github.com/omniprox/omniprox/internal/providers"
	"github.com/omniprox/omniprox/internal/providers/alibaba"
	"github.com/omniprox/omniprox/internal/providers/azure"
	"github.com/omniprox/omniprox/internal/providers/cloudflare"
	"github.com/omniprox/omniprox/internal/providers/gcp"
	"github.com/omniprox/omniprox/internal/store"
)

// Resolve the registry: one driver per provider, each bound to the
// requested profile (missing profiles start empty; credentials can come
// from the environment).
func resolveRegistry(cmd *cobra.Command) (*prov.Registry, *store.Store, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	profileName, _ := cmd.Flags().GetString("profile")
	st := store.Open(cfgPath)

	reg := prov.NewRegistry()
	for name, build := range driverFactories {
		p, err := st.LoadProfile(name, profileName)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, nil, err
			}
			p = prov.Profile{Provider: name, Name: profileName}
		}
		if region, _ := cmd.Flags().GetString("region"); region != "" {
			p.Region = region
		}
		reg.Register(build(p))
	}
	return reg, st, nil
}

var driverFactories = map[string]func(prov.Profile) prov.Driver{
	"cloudflare": func(p prov.Profile) prov.Driver { return cloudflare.New(p) },
	"gcp":        func(p prov.Profile) prov.Driver { return gcp.New(p) },
	"azure":      func(p prov.Profile) prov.Driver { return azure.New(p) },
	"alibaba":    func(p prov.Profile) prov.Driver { return alibaba.New(p) },
}

func resolveManager(cmd *cobra.Command) (*fleet.Manager, *store.Store, error) {
	providerName, _ := cmd.Flags().GetString("provider")
	if providerName == "" {
		return nil, nil, prov.ValidationError{Field: "provider", Message: "provider is required (--provider)"}
	}
	reg, st, err := resolveRegistry(cmd)
	if err != nil {
		return nil, nil, err
	}
	driver, err := reg.Get(providerName)
	if err != nil {
		return nil, nil, err
	}
	profileName, _ := cmd.Flags().GetString("profile")
	yes, _ := cmd.Flags().GetBool("yes")
	m := fleet.New(fleet.Options{
		Driver:      driver,
		Store:       st,
		Profile:     profileName,
		Confirm:     confirmFunc(yes),
		TestCleanup: testCleanupFunc(yes),
		EchoURL:     echoURLFlag(cmd),
	})
	return m, st, nil
}

// confirmFunc prompts on a terminal; non-interactive runs and --yes
// auto-approve.
func confirmFunc(assumeYes bool) func(string) bool {
	return func(prompt string) bool {
		if assumeYes || !isTerminal(os.Stdin) {
			return true
		}
		fmt.Printf("%s (y/n): ", prompt)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(line), "y")
	}
}

// testCleanupFunc approves rotation-test teardown on an explicit --yes
// or an interactive y; non-interactive runs keep the test endpoints.
func testCleanupFunc(assumeYes bool) func(string) bool {
	return func(prompt string) bool {
		if assumeYes {
			return true
		}
		if !isTerminal(os.Stdin) {
			return false
		}
		fmt.Printf("%s (y/n): ", prompt)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(line), "y")
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func echoURLFlag(cmd *cobra.Command) string {
	if cmd.Flags().Lookup("echo-url") == nil {
		return ""
	}
	echoURL, _ := cmd.Flags().GetString("echo-url")
	return echoURL
}

// recordHistory appends to the operation log; failures are logged only.
func recordHistory(ctx context.Context, fn func(ctx context.Context, h *history.Store) error) {
	h, err := history.Open("")
	if err != nil {
		log.Debug().Err(err).Msg("history unavailable")
		return
	}
	defer h.Close()
	if err := fn(ctx, h); err != nil {
		log.Debug().Err(err).Msg("history write failed")
	}
}

// Create a batch of proxies
func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one or more proxies pointing at a target URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetURL, _ := cmd.Flags().GetString("url")
			count, _ := cmd.Flags().GetInt("count")
			m, _, err := resolveManager(cmd)
			if err != nil {
				return err
			}
			report, err := m.CreateBatch(cmd.Context(), targetURL, count)
			if report != nil {
				printBatchReport(report)
				recordHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
					return h.RecordBatch(ctx, report)
				})
			}
			if err != nil {
				return err
			}
			if report.Succeeded == 0 {
				return fmt.Errorf("no proxies created")
			}
			return nil
		},
	}
	cmd.Flags().StringP("url", "u", "", "target URL the proxies forward to")
	cmd.Flags().IntP("count", "n", 1, "number of proxies to create")
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// List proxies
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List proxies, reconciling local state with the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all, _ := cmd.Flags().GetBool("all"); all {
				return forAllConfigured(cmd, func(m *fleet.Manager, providerName string) error {
					eps, err := m.List(cmd.Context())
					// The merge is returned even when persisting it failed;
					// show it before surfacing the error.
					if len(eps) > 0 {
						printEndpoints(eps)
					}
					return err
				})
			}
			m, _, err := resolveManager(cmd)
			if err != nil {
				return err
			}
			eps, err := m.List(cmd.Context())
			if len(eps) > 0 {
				printEndpoints(eps)
			} else if err == nil {
				fmt.Println("no proxies found")
			}
			return err
		},
	}
	cmd.Flags().Bool("all", false, "list every configured provider profile")
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	return cmd
}

// Delete one proxy
func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a single proxy by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			m, _, err := resolveManager(cmd)
			if err != nil {
				return err
			}
			if err := m.DeleteOne(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringP("id", "a", "", "proxy id")
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// Delete all proxies
func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every managed proxy for a provider profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all, _ := cmd.Flags().GetBool("all"); all {
				return forAllConfigured(cmd, func(m *fleet.Manager, providerName string) error {
					deleted, failed, err := m.DeleteAll(cmd.Context())
					if err != nil {
						return err
					}
					profileName, _ := cmd.Flags().GetString("profile")
					recordHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
						return h.RecordCleanup(ctx, providerName, profileName, deleted, failed)
					})
					fmt.Printf("  deleted %d, failed %d\n", deleted, failed)
					return nil
				})
			}
			m, _, err := resolveManager(cmd)
			if err != nil {
				return err
			}
			providerName, _ := cmd.Flags().GetString("provider")
			profileName, _ := cmd.Flags().GetString("profile")
			deleted, failed, err := m.DeleteAll(cmd.Context())
			if err != nil {
				return err
			}
			recordHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
				return h.RecordCleanup(ctx, prov.Canonical(providerName), profileName, deleted, failed)
			})
			fmt.Printf("deleted %d proxies", deleted)
			if failed > 0 {
				fmt.Printf(", %d failed (local tracking cleared; remove leftovers in the cloud console)", failed)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "clean up every configured provider profile")
	cmd.Flags().BoolP("yes", "y", false, "skip confirmation")
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	return cmd
}

// Rotation test
func newRotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Create a small test fleet and sample egress IPs through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := resolveManager(cmd)
			if err != nil {
				return err
			}
			report, err := m.RotationTest(cmd.Context())
			if err != nil {
				return err
			}
			recordHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
				return h.RecordRotation(ctx, report)
			})
			fmt.Printf("proxies created: %d\n", report.Requested)
			fmt.Printf("successful responses: %d\n", report.Responded)
			fmt.Printf("unique egress identifiers: %d\n", report.UniqueEgress)
			if len(report.Egress) > 0 {
				fmt.Printf("egress: %s\n", strings.Join(report.Egress, ", "))
			}
			switch report.Verdict {
			case "rotation_confirmed":
				fmt.Println("result: IP rotation working")
			case "no_rotation":
				fmt.Println("result: no rotation, all requests share one egress path")
			default:
				fmt.Println("result: no successful responses")
			}
			return nil
		},
	}
	cmd.Flags().String("echo-url", "", "IP-echo endpoint to probe through the proxies (default https://ipinfo.io/ip)")
	cmd.Flags().BoolP("yes", "y", false, "clean up test proxies without prompting")
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	return cmd
}

// Provider status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider account/deployment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapability(cmd, "status", func(d prov.Driver) (string, bool, error) {
				sr, ok := d.(prov.StatusReporter)
				if !ok {
					return "", false, nil
				}
				s, err := sr.Status(cmd.Context())
				return s, true, err
			})
		},
	}
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	return cmd
}

// Provider usage
func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show provider usage/quota information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapability(cmd, "usage", func(d prov.Driver) (string, bool, error) {
				ur, ok := d.(prov.UsageReporter)
				if !ok {
					return "", false, nil
				}
				s, err := ur.Usage(cmd.Context())
				return s, true, err
			})
		},
	}
	cmd.Flags().StringP("region", "r", "", "region/location override (provider-specific)")
	return cmd
}

func runCapability(cmd *cobra.Command, op string, fn func(prov.Driver) (string, bool, error)) error {
	providerName, _ := cmd.Flags().GetString("provider")
	if providerName == "" {
		return prov.ValidationError{Field: "provider", Message: "provider is required (--provider)"}
	}
	reg, _, err := resolveRegistry(cmd)
	if err != nil {
		return err
	}
	driver, err := reg.Get(providerName)
	if err != nil {
		return err
	}
	out, supported, err := fn(driver)
	if err != nil {
		return err
	}
	if !supported {
		fmt.Printf("%s is not supported for %s\n", op, driver.Name())
		return nil
	}
	fmt.Println(out)
	return nil
}

// Inspect configured providers
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Inspect registered drivers and configured profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, st, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			for _, name := range reg.Names() {
				fmt.Printf("registered: %s\n", name)
			}
			keys, err := st.Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("configured: %s\n", k)
			}
			return nil
		},
	}
}

// Operation history
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent create/cleanup/rotation operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			h, err := history.Open("")
			if err != nil {
				return err
			}
			defer h.Close()
			entries, err := h.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no recorded operations")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tPROVIDER\tPROFILE\tOP\tOK\tFAIL\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04"), e.Provider, e.Profile,
					e.Operation, e.Succeeded, e.Failed, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries to show")
	return cmd
}

// Initialize configuration
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Seed the profile store with a commented template",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			st := store.Open(cfgPath)
			if _, err := os.Stat(st.Path); err == nil {
				fmt.Printf("profile store already exists at %s\n", st.Path)
				return nil
			}
			for name := range driverFactories {
				if err := st.SaveProfile(prov.Profile{Provider: name, Name: "default"}); err != nil {
					return err
				}
			}
			fmt.Printf("created profile store at %s\n", st.Path)
			fmt.Println("add credentials there, to secrets.env beside it, or export them:")
			fmt.Println("  cloudflare: CLOUDFLARE_API_TOKEN, CLOUDFLARE_ACCOUNT_ID")
			fmt.Println("  gcp:        GOOGLE_CLOUD_PROJECT, GOOGLE_APPLICATION_CREDENTIALS")
			fmt.Println("  azure:      AZURE_SUBSCRIPTION_ID (plus a service principal or 'az login')")
			fmt.Println("  alibaba:    ALIBABA_CLOUD_ACCESS_KEY_ID, ALIBABA_CLOUD_ACCESS_KEY_SECRET")
			return nil
		},
	}
}

// forAllConfigured runs fn once per configured (provider, profile) record
// matching the --profile flag, mirroring single-shot output with a
// per-provider header and a final summary.
func forAllConfigured(cmd *cobra.Command, fn func(m *fleet.Manager, providerName string) error) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	profileName, _ := cmd.Flags().GetString("profile")
	yes, _ := cmd.Flags().GetBool("yes")
	st := store.Open(cfgPath)
	keys, err := st.Keys()
	if err != nil {
		return err
	}

	var ok, failed int
	for _, k := range keys {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) != 2 || parts[1] != profileName {
			continue
		}
		build, known := driverFactories[parts[0]]
		if !known {
			continue
		}
		p, err := st.LoadProfile(parts[0], parts[1])
		if err != nil {
			continue
		}
		fmt.Printf("[%s]\n", strings.ToUpper(parts[0]))
		m := fleet.New(fleet.Options{
			Driver:  build(p),
			Store:   st,
			Profile: profileName,
			Confirm: confirmFunc(yes),
		})
		if err := fn(m, parts[0]); err != nil {
			failed++
			fmt.Printf("  error: %v\n", err)
			continue
		}
		ok++
	}
	fmt.Printf("\nsummary: %d succeeded, %d failed\n", ok, failed)
	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed", failed)
	}
	return nil
}

func printEndpoints(eps []prov.Endpoint) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPUBLIC URL\tTARGET\tEGRESS\tCREATED")
	for _, ep := range eps {
		url := ep.PublicURL
		if ep.Incomplete {
			url = "(provisioning)"
		}
		created := ""
		if !ep.CreatedAt.IsZero() {
			created = ep.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ep.ID, url, ep.TargetURL, ep.Egress, created)
	}
	w.Flush()
}
