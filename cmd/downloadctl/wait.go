package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var errDownloadGone = errors.New("download is no longer listed")

func newWaitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <id>",
		Short: "Follow one download with a progress bar until it finishes",
		Long: `Follow one download until it reaches a final state. The command exits
non-zero when the download fails or is cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			final, err := waitFor(cmd.Context(), flags, args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", final.ID, final.Status, final.FilePath)

			switch final.Status {
			case download.StatusFailed:
				return fmt.Errorf("download failed: %s", final.Error)
			case download.StatusCancelled:
				return errors.New("download was cancelled")
			}

			return nil
		},
	}
}

// waitFor streams snapshots until the entity id turns terminal.
func waitFor(ctx context.Context, flags *globalFlags, id string, w io.Writer) (download.Entity, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		bar     *progressbar.ProgressBar
		final   download.Entity
		done    bool
		lostErr error
	)

	err := flags.client().Watch(ctx, func(snapshot []download.Entity) {
		if done {
			return
		}

		e, ok := find(snapshot, id)
		if !ok {
			lostErr = fmt.Errorf("%w: %s", errDownloadGone, id)
			stop()

			return
		}

		if bar == nil {
			bar = newBar(w, e)
		}

		if e.Size > 0 && bar.GetMax64() != e.Size {
			bar.ChangeMax64(e.Size)
		}

		_ = bar.Set64(e.Downloaded)

		if e.Status.IsTerminal() {
			if e.Status == download.StatusCompleted {
				_ = bar.Finish()
			} else {
				_ = bar.Exit()
			}

			final = e
			done = true
			stop()
		}
	})

	switch {
	case done:
		return final, nil
	case lostErr != nil:
		return download.Entity{}, lostErr
	case err != nil:
		return download.Entity{}, fmt.Errorf("watch stopped: %w", err)
	default:
		return download.Entity{}, fmt.Errorf("watch stopped before %s finished", id)
	}
}

func newBar(w io.Writer, e download.Entity) *progressbar.ProgressBar {
	total := e.Size
	if total <= 0 {
		total = -1
	}

	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(e.Filename),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func find(snapshot []download.Entity, id string) (download.Entity, bool) {
	for _, e := range snapshot {
		if e.ID == id {
			return e, true
		}
	}

	return download.Entity{}, false
}
