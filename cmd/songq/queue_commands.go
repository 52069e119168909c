package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/songq/internal/api/controllers"
	"github.com/datallboy/songq/internal/client"
	"github.com/datallboy/songq/internal/locator"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var name, artist, source, track string
	var bitrate int

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Queue a song for download",
		Long: "Queue a song for download. Ids of the form <source>_<track> " +
			"(for example netease_1901371647) need no --source or --track.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			desc, err := buildDescriptor(id, source, track, bitrate)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(desc)
			if err != nil {
				return err
			}

			return ctx.withClient(func(c *client.Client) error {
				item, added, err := c.Enqueue(cmd.Context(), controllers.EnqueueRequest{
					ID:     id,
					Name:   name,
					Artist: artist,
					Source: raw,
				})
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s\n", item.ID, item.Status)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", item.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Song title shown in listings")
	cmd.Flags().StringVar(&artist, "artist", "", "Artist shown in listings")
	cmd.Flags().StringVar(&source, "source", "", "Music source (netease, kuwo, joox, ...)")
	cmd.Flags().StringVar(&track, "track", "", "Track id at the source")
	cmd.Flags().IntVar(&bitrate, "bitrate", 0, "Requested bitrate, overrides the daemon default")
	return cmd
}

// buildDescriptor fills source and track from an id shaped like
// <source>_<track> when they are not given explicitly.
func buildDescriptor(id, source, track string, bitrate int) (locator.Descriptor, error) {
	if id == "" {
		return locator.Descriptor{}, fmt.Errorf("id is required")
	}
	if source == "" || track == "" {
		if s, t, ok := strings.Cut(id, "_"); ok {
			if source == "" {
				source = s
			}
			if track == "" {
				track = t
			}
		}
	}
	if source == "" || track == "" {
		return locator.Descriptor{}, fmt.Errorf("cannot derive source and track from %q; pass --source and --track", id)
	}
	return locator.Descriptor{Source: source, TrackID: track, Bitrate: bitrate}, nil
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove downloads, cancelling them if active",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				missing := 0
				for _, id := range args {
					err := c.Remove(cmd.Context(), id)
					switch {
					case client.IsStatus(err, http.StatusNotFound):
						missing++
						fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", id)
					case err != nil:
						return err
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
					}
				}
				if missing == len(args) {
					return fmt.Errorf("no downloads removed")
				}
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var allFailed bool

	cmd := &cobra.Command{
		Use:   "retry [id]...",
		Short: "Requeue failed downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !allFailed {
				return fmt.Errorf("pass ids to retry or --failed")
			}
			return ctx.withClient(func(c *client.Client) error {
				ids := args
				if allFailed {
					list, err := c.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, it := range list.Failed {
						ids = append(ids, it.ID)
					}
				}

				retried := 0
				for _, id := range ids {
					if _, err := c.Retry(cmd.Context(), id); err != nil {
						if client.IsStatus(err, http.StatusNotFound) || client.IsStatus(err, http.StatusConflict) {
							fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
							continue
						}
						return err
					}
					retried++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d failed %s\n", retried, plural(retried, "download", "downloads"))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allFailed, "failed", false, "Retry every failed download")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show queued, active, completed and failed downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				out := cmd.OutOrStdout()
				redraw := watch > 0 && isatty.IsTerminal(os.Stdout.Fd())

				for {
					resp, err := c.List(cmd.Context())
					if err != nil {
						return err
					}
					if redraw {
						fmt.Fprint(out, "\033[H\033[2J")
					}
					fmt.Fprint(out, renderQueue(resp, time.Now()))

					if watch <= 0 {
						return nil
					}
					select {
					case <-cmd.Context().Done():
						return nil
					case <-time.After(watch):
					}
				}
			})
		},
	}

	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Refresh at this interval until interrupted")
	return cmd
}

func newConcurrencyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "concurrency [n]",
		Short: "Show or change the maximum number of parallel downloads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				if len(args) == 0 {
					list, err := c.List(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Max concurrent downloads: %d\n", list.MaxConcurrent)
					return nil
				}

				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("concurrency must be a positive integer, got %q", args[0])
				}
				got, err := c.SetConcurrency(cmd.Context(), n)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Max concurrent downloads: %d\n", got)
				return nil
			})
		},
	}
}

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "library",
		Short: "List songs stored in the local library",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				songs, err := c.Library(cmd.Context())
				if err != nil {
					return err
				}
				if len(songs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Library is empty")
					return nil
				}

				rows := make([][]string, 0, len(songs))
				for _, s := range songs {
					rows = append(rows, []string{
						s.ID,
						s.Artist,
						s.Name,
						s.ContentType,
						humanize.Bytes(uint64(s.Size)),
						humanize.Time(s.StoredAt),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Artist", "Title", "Type", "Size", "Stored"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
