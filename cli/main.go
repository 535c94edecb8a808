package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/couponguard/pkg/flagging"
	"github.com/haasonsaas/couponguard/pkg/health"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/spf13/cobra"
)

var Version = "dev"

type options struct {
	serverURL string
	token     string
}

func (o *options) client() *apiClient {
	return newAPIClient(o.serverURL, o.token)
}

type coupon struct {
	Code          string     `json:"code"`
	Description   string     `json:"description"`
	DiscountType  string     `json:"discount_type"`
	DiscountValue string     `json:"discount_value"`
	MinSubtotal   *string    `json:"min_subtotal"`
	BundleID      string     `json:"bundle_id"`
	MaxUses       int        `json:"max_uses"`
	TimesUsed     int        `json:"times_used"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "couponctl",
		Short:         "couponctl - coupon abuse monitoring",
		Long:          "Inspect coupon validation traffic, abuse signals and coupons on a couponguard server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", envOr("COUPONGUARD_SERVER", "http://localhost:8080"), "couponguard server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.token, "token", "t", os.Getenv("COUPONGUARD_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(opts),
		statsCmd(opts),
		abuseCmd(opts),
		attemptsCmd(opts),
		couponsCmd(opts),
		flagCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and the last hour of validation traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			var status health.HealthStatus
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/health", nil, &status, http.StatusServiceUnavailable); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			state := "healthy"
			if !status.Healthy {
				state = "UNHEALTHY"
			}
			fmt.Fprintf(out, "couponguard status\n")
			fmt.Fprintf(out, "==================\n\n")
			fmt.Fprintf(out, "Server:            %s\n", state)
			for _, name := range sortedKeys(status.Checks) {
				fmt.Fprintf(out, "  %-16s %s\n", name+":", status.Checks[name])
			}
			for _, issue := range status.Issues {
				fmt.Fprintf(out, "  issue: %s\n", issue)
			}

			if opts.token == "" {
				return nil
			}
			var stats validation.Stats
			if err := client.get(cmd.Context(), "/v1/admin/validation/stats", &stats); err != nil {
				return err
			}
			fmt.Fprintln(out)
			printStatsSummary(out, stats)
			return nil
		},
	}
}

func statsCmd(opts *options) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show validation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/validation/stats"
			if window > 0 {
				path += "?window_ms=" + strconv.FormatInt(window.Milliseconds(), 10)
			}
			var stats validation.Stats
			if err := opts.client().get(cmd.Context(), path, &stats); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printStatsSummary(out, stats)

			if len(stats.FailureReasons) > 0 {
				fmt.Fprintf(out, "\nFailure reasons:\n")
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, reason := range sortedKeys(stats.FailureReasons) {
					fmt.Fprintf(w, "  %s\t%d\n", reason, stats.FailureReasons[reason])
				}
				w.Flush()
			}
			if len(stats.TopCodes) > 0 {
				fmt.Fprintf(out, "\nTop codes:\n")
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, cc := range stats.TopCodes {
					fmt.Fprintf(w, "  %s\t%d\n", cc.Code, cc.Count)
				}
				w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 0, "Time window (default: server log TTL)")
	return cmd
}

func printStatsSummary(out io.Writer, stats validation.Stats) {
	window := time.Duration(stats.TimeWindowMs) * time.Millisecond
	fmt.Fprintf(out, "Window:            %s\n", window)
	fmt.Fprintf(out, "Total Attempts:    %d\n", stats.TotalAttempts)
	fmt.Fprintf(out, "Successful:        %d\n", stats.SuccessfulAttempts)
	fmt.Fprintf(out, "Failed:            %d\n", stats.FailedAttempts)
	fmt.Fprintf(out, "Success Rate:      %.1f%%\n", stats.SuccessRate)
}

func abuseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "abuse [key]",
		Short: "Run abuse detection for a client IP or user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report struct {
				Key    string                 `json:"key"`
				Result validation.AbuseResult `json:"result"`
			}
			if err := opts.client().get(cmd.Context(), "/v1/admin/validation/abuse/"+url.PathEscape(args[0]), &report); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verdict := "clean"
			if report.Result.IsAbusive {
				verdict = "ABUSIVE (" + string(report.Result.Signal) + ")"
			}
			fmt.Fprintf(out, "Key:               %s\n", report.Key)
			fmt.Fprintf(out, "Verdict:           %s\n", verdict)
			if report.Result.Reason != "" {
				fmt.Fprintf(out, "Reason:            %s\n", report.Result.Reason)
			}
			fmt.Fprintf(out, "Attempts:          %d\n", report.Result.Metrics.TotalAttempts)
			fmt.Fprintf(out, "Failed:            %d\n", report.Result.Metrics.FailedAttempts)
			fmt.Fprintf(out, "Unique Codes:      %d\n", report.Result.Metrics.UniqueCodesTried)
			return nil
		},
	}
}

func attemptsCmd(opts *options) *cobra.Command {
	var history bool
	var limit int
	cmd := &cobra.Command{
		Use:   "attempts [key]",
		Short: "List validation attempts for a client IP or user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := url.PathEscape(args[0])
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tCODE\tRESULT\tREASON")

			if history {
				var resp struct {
					Records []struct {
						CouponCode    string    `json:"coupon_code"`
						Success       bool      `json:"success"`
						FailureReason string    `json:"failure_reason"`
						AttemptedAt   time.Time `json:"attempted_at"`
					} `json:"records"`
				}
				path := fmt.Sprintf("/v1/admin/validation/history/%s?limit=%d", key, limit)
				if err := opts.client().get(cmd.Context(), path, &resp); err != nil {
					return err
				}
				for _, r := range resp.Records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.AttemptedAt.Format(time.RFC3339), r.CouponCode, result(r.Success), r.FailureReason)
				}
				return w.Flush()
			}

			var resp struct {
				Attempts []validation.Attempt `json:"attempts"`
			}
			if err := opts.client().get(cmd.Context(), "/v1/admin/validation/attempts/"+key, &resp); err != nil {
				return err
			}
			for _, a := range resp.Attempts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Timestamp.Format(time.RFC3339), a.CouponCode, result(a.Success), a.FailureReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Read persisted attempts instead of the in-memory log")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum persisted attempts to show")
	return cmd
}

func result(success bool) string {
	if success {
		return "valid"
	}
	return "invalid"
}

func couponsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupons",
		Short: "Manage coupons",
	}
	cmd.AddCommand(couponsListCmd(opts), couponsCreateCmd(opts), couponsDeactivateCmd(opts))
	return cmd
}

func couponsListCmd(opts *options) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List coupons",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/coupons"
			if activeOnly {
				path += "?active=true"
			}
			var coupons []coupon
			if err := opts.client().get(cmd.Context(), path, &coupons); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tDISCOUNT\tBUNDLE\tUSES\tACTIVE\tEXPIRES")
			for _, c := range coupons {
				discount := c.DiscountValue + "%"
				if c.DiscountType != "percent" {
					discount = c.DiscountValue + " off"
				}
				uses := strconv.Itoa(c.TimesUsed)
				if c.MaxUses > 0 {
					uses += "/" + strconv.Itoa(c.MaxUses)
				}
				bundle := c.BundleID
				if bundle == "" {
					bundle = "any"
				}
				expires := "never"
				if c.ExpiresAt != nil {
					expires = c.ExpiresAt.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", c.Code, discount, bundle, uses, c.Active, expires)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show active coupons")
	return cmd
}

func couponsCreateCmd(opts *options) *cobra.Command {
	var (
		code      string
		kind      string
		value     string
		minimum   string
		bundle    string
		maxUses   int
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a coupon",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"code":           code,
				"discount_type":  kind,
				"discount_value": value,
				"bundle_id":      bundle,
				"max_uses":       maxUses,
			}
			if minimum != "" {
				req["min_subtotal"] = minimum
			}
			if expiresIn > 0 {
				req["expires_at"] = time.Now().Add(expiresIn).UTC()
			}

			var created coupon
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/admin/coupons", req, &created); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created coupon %s\n", created.Code)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Coupon code")
	cmd.Flags().StringVar(&kind, "type", "percent", "Discount type: percent or fixed")
	cmd.Flags().StringVar(&value, "value", "", "Discount value")
	cmd.Flags().StringVar(&minimum, "min-subtotal", "", "Minimum order subtotal")
	cmd.Flags().StringVar(&bundle, "bundle", "", "Restrict to a course bundle")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "Maximum redemptions (0 is unlimited)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire after this long")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func couponsDeactivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [code]",
		Short: "Deactivate a coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.ToUpper(strings.TrimSpace(args[0]))
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/v1/admin/coupons/"+url.PathEscape(code), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated coupon %s\n", code)
			return nil
		},
	}
}

func flagCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "flag [text...]",
		Short: "Check text for likely legal or policy violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("no text to evaluate")
			}

			var eval flagging.Evaluation
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/admin/flags/evaluate", map[string]string{"text": text}, &eval); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, eval.String())
			if len(eval.Violations) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tSEVERITY\tSCORE\tMATCHES")
			for _, v := range eval.Violations {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", v.Rule, v.Severity, v.Score, strings.Join(v.Matches, ", "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read text from a file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "couponctl version %s\n", Version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
