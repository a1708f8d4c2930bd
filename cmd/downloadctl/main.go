package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_manager/internal/apiclient"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	server   string
	username string
	password string
	output   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "downloadctl",
		Short:        "Control a running download manager",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.server, "server", envOr("DOWNLOADCTL_SERVER", "http://localhost:9092"), "download manager base URL")
	root.PersistentFlags().StringVar(&flags.username, "username", os.Getenv("DOWNLOADCTL_USERNAME"), "API username")
	root.PersistentFlags().StringVar(&flags.password, "password", os.Getenv("DOWNLOADCTL_PASSWORD"), "API password")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newAddCmd(flags),
		newListCmd(flags),
		newGetCmd(flags),
		newCancelCmd(flags),
		newClearCmd(flags),
		newWatchCmd(flags),
		newWaitCmd(flags),
	)

	return root
}

func (f *globalFlags) client() *apiclient.Client {
	return apiclient.New(f.server, apiclient.WithBasicAuth(f.username, f.password))
}

func newAddCmd(flags *globalFlags) *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Queue a download",
		Long: `Queue a download. The file name defaults to the last element of the URL path.

Examples:
  downloadctl add https://example.com/isos/debian.iso
  downloadctl add https://example.com/get?id=42 --filename report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := flags.client().Submit(cmd.Context(), args[0], filename)
			if err != nil {
				return fmt.Errorf("failed to queue download: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}

	cmd.Flags().StringVarP(&filename, "filename", "f", "", "name of the file to save")

	return cmd
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var (
		today bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entities []download.Entity
				err      error
			)

			if today {
				entities, err = flags.client().ListToday(cmd.Context(), limit)
			} else {
				entities, err = flags.client().List(cmd.Context())
			}

			if err != nil {
				return fmt.Errorf("failed to list downloads: %w", err)
			}

			return render(cmd.OutOrStdout(), flags.output, entities)
		},
	}

	cmd.Flags().BoolVar(&today, "today", false, "only downloads active or finished today, unfinished first")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries with --today (0 for all)")

	return cmd
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.client().Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get download: %w", err)
			}

			return render(cmd.OutOrStdout(), flags.output, []download.Entity{e})
		},
	}
}

func newCancelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel downloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := flags.client()

			for _, id := range args {
				if err := client.Cancel(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to cancel %s: %w", id, err)
				}
			}

			return nil
		},
	}
}

func newClearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove finished downloads from the list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := flags.client().ClearCompleted(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to clear downloads: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d downloads\n", removed)

			return nil
		},
	}
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the download list as it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			err := flags.client().Watch(cmd.Context(), func(snapshot []download.Entity) {
				fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))

				if err := render(out, flags.output, snapshot); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			})
			if err != nil && cmd.Context().Err() == nil {
				return fmt.Errorf("watch stopped: %w", err)
			}

			return nil
		},
	}
}

func render(w io.Writer, format string, entities []download.Entity) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(entities)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tPROGRESS\tSIZE\tSPEED\tETA\tUPDATED")

	for _, e := range entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Filename,
			describeStatus(e),
			e.Progress,
			describeSize(e),
			describeSpeed(e),
			describeETA(e),
			describeTime(e.RelevantTime()),
		)
	}

	return tw.Flush()
}

func describeStatus(e download.Entity) string {
	if e.Status == download.StatusFailed && e.Error != "" {
		return fmt.Sprintf("%s (%s)", e.Status, e.Error)
	}

	return string(e.Status)
}

func describeSize(e download.Entity) string {
	if e.Size <= 0 {
		return humanize.Bytes(uint64(e.Downloaded)) + " / ?"
	}

	return humanize.Bytes(uint64(e.Downloaded)) + " / " + humanize.Bytes(uint64(e.Size))
}

func describeSpeed(e download.Entity) string {
	if e.Speed <= 0 {
		return "-"
	}

	return humanize.Bytes(uint64(e.Speed)) + "/s"
}

func describeETA(e download.Entity) string {
	if e.ETA == nil {
		return "-"
	}

	return time.Duration(*e.ETA * float64(time.Second)).Round(time.Second).String()
}

func describeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return humanize.Time(t)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
