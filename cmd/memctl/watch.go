package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memoryd/internal/events"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		natsURL string
		prefix  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream consolidation and deletion events from NATS",
		Long: `Stream memoryd events until interrupted.

Events are shown for every user unless --user is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("memctl"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
			}
			defer nc.Close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			sub, err := events.Subscribe(nc, prefix, nil, func(ev events.Event) {
				if opts.user != "" && ev.Owner != opts.user {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if opts.json {
					_ = printJSON(out, ev)
					return
				}
				printEvent(out, ev)
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			fmt.Fprintf(cmd.ErrOrStderr(), "[memctl] watching %s.* on %s\n", prefix, natsURL)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", events.DefaultPrefix, "event subject prefix")
	return cmd
}

func printEvent(w io.Writer, ev events.Event) {
	ts := ev.Time.Local().Format(time.DateTime)
	switch ev.Kind {
	case events.KindConsolidated:
		if ev.Error != "" {
			fmt.Fprintf(w, "%s  %-12s %s  %d message(s) failed: %s\n", ts, ev.Kind, ev.Owner, ev.Messages, ev.Error)
			return
		}
		fmt.Fprintf(w, "%s  %-12s %s  %d message(s) -> %d new memory(ies)", ts, ev.Kind, ev.Owner, ev.Messages, len(ev.Added))
		if len(ev.Tags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(ev.Tags, ", "))
		}
		fmt.Fprintln(w)
	case events.KindDeleted:
		fmt.Fprintf(w, "%s  %-12s %s  %s", ts, ev.Kind, ev.Owner, ev.Status)
		if len(ev.Failed) > 0 {
			fmt.Fprintf(w, " (failed: %s)", strings.Join(ev.Failed, ", "))
		}
		fmt.Fprintln(w)
	default:
		fmt.Fprintf(w, "%s  %-12s %s\n", ts, ev.Kind, ev.Owner)
	}
}
