package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"shiftgate/internal/attendance/client"
	"shiftgate/internal/attendance/handler"
	"shiftgate/internal/attendance/models"
	"shiftgate/internal/platform/logger"
	"shiftgate/pkg/platform/retry"
)

// deniedError is an admission denial. It exits with a distinct status so
// scripts can tell a refusal from a failure to reach the server.
type deniedError struct {
	denial *models.Denial
}

func (e *deniedError) Error() string {
	return fmt.Sprintf("denied: %s: %s", e.denial.Reason, e.denial.Message)
}

type rootOptions struct {
	server      string
	token       string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	jsonOutput  bool
	logLevel    string
}

type position struct {
	lat, lon float64
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "shiftctl",
		Short: "Record attendance against a shiftgate server",
		Long: `shiftctl checks a principal in and out through the shiftgate
attendance API. Rate-limited and failed calls are retried with backoff.

The server and credential default to SHIFTGATE_URL and SHIFTGATE_TOKEN.

Examples:
  shiftctl check-in --location hq --lat -6.2088 --lon 106.8456
  shiftctl check-out --evidence attendance-photos/check-out/me/2.jpg
  shiftctl current --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("SHIFTGATE_URL", "http://localhost:8080"), "shiftgate base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("SHIFTGATE_TOKEN"), "bearer credential")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline including retries")
	flags.IntVar(&opts.maxAttempts, "max-attempts", retry.DefaultPolicy().MaxAttempts, "HTTP attempts per command")
	flags.DurationVar(&opts.baseDelay, "retry-delay", retry.DefaultPolicy().BaseDelay, "backoff before the first retry")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newCheckInCmd(opts), newCheckOutCmd(opts), newCurrentCmd(opts))
	return root
}

func newCheckInCmd(opts *rootOptions) *cobra.Command {
	var (
		locationID string
		pos        position
		evidence   string
	)
	cmd := &cobra.Command{
		Use:   "check-in",
		Short: "Open an attendance session at a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lat, lon := coordinates(cmd, pos)
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (client.Result, error) {
				return c.CheckIn(ctx, opts.token, handler.CheckInRequest{
					LocationID:  locationID,
					Latitude:    lat,
					Longitude:   lon,
					EvidenceRef: evidence,
				})
			})
		},
	}
	cmd.Flags().StringVar(&locationID, "location", "", "location id")
	cmd.Flags().Float64Var(&pos.lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&pos.lon, "lon", 0, "longitude in degrees")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference, usually a photo path")
	return cmd
}

func newCheckOutCmd(opts *rootOptions) *cobra.Command {
	var (
		pos      position
		evidence string
	)
	cmd := &cobra.Command{
		Use:   "check-out",
		Short: "Close the open attendance session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lat, lon := coordinates(cmd, pos)
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (client.Result, error) {
				return c.CheckOut(ctx, opts.token, handler.CheckOutRequest{
					Latitude:    lat,
					Longitude:   lon,
					EvidenceRef: evidence,
				})
			})
		},
	}
	cmd.Flags().Float64Var(&pos.lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&pos.lon, "lon", 0, "longitude in degrees")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference, usually a photo path")
	return cmd
}

func newCurrentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the open attendance session, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(ctx context.Context, c *client.Client) (client.Result, error) {
				return c.Current(ctx, opts.token)
			})
		},
	}
}

// coordinates returns nil for a flag the user did not pass, so the server
// reports it as missing rather than admitting 0,0.
func coordinates(cmd *cobra.Command, pos position) (lat, lon *float64) {
	if cmd.Flags().Changed("lat") {
		lat = &pos.lat
	}
	if cmd.Flags().Changed("lon") {
		lon = &pos.lon
	}
	return lat, lon
}

func run(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *client.Client) (client.Result, error)) error {
	log := logger.NewWithWriter(cmd.ErrOrStderr(), opts.logLevel, "text")
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = max(1, opts.maxAttempts)
	policy.BaseDelay = opts.baseDelay

	c, err := client.New(opts.server,
		client.WithLogger(log),
		client.WithInvoker(retry.NewInvoker(policy, retry.WithLogger(log))),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	res, err := fn(ctx, c)
	if err != nil {
		if client.IsRateLimited(err) {
			return fmt.Errorf("rate limited after %d attempts: %w", res.Attempts, err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		writeText(out, res)
	}
	if res.Denial != nil {
		return &deniedError{denial: res.Denial}
	}
	return nil
}

func writeJSON(w io.Writer, res client.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary  *models.Summary `json:"summary,omitempty"`
		Denial   *models.Denial  `json:"denial,omitempty"`
		Attempts int             `json:"attempts"`
	}{res.Summary, res.Denial, res.Attempts})
}

func writeText(w io.Writer, res client.Result) {
	switch {
	case res.Denial != nil:
		fmt.Fprintf(w, "Denied: %s (%s)\n", res.Denial.Message, res.Denial.Reason)
	case res.Summary == nil:
		fmt.Fprintln(w, "Off duty.")
	default:
		s := res.Summary
		where := s.LocationName
		if where == "" {
			where = s.LocationID
		}
		fmt.Fprintf(w, "Session %s at %s\n", s.SessionID, where)
		fmt.Fprintf(w, "  started  %s\n", s.StartTime.Format(time.RFC3339))
		if s.EndTime != nil {
			fmt.Fprintf(w, "  ended    %s\n", s.EndTime.Format(time.RFC3339))
		}
		if s.TotalDurationHours != nil {
			fmt.Fprintf(w, "  hours    %.2f\n", *s.TotalDurationHours)
		}
	}
	if res.Attempts > 1 {
		fmt.Fprintf(w, "(%d attempts)\n", res.Attempts)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
