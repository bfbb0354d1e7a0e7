package topicstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consumeCmd = &cobra.Command{
	Use:   "consume <cluster> <topic>",
	Short: "Consume a topic into the local store",
	Long: `Consumes a topic into the local store until the stop timestamp is passed
or the command is interrupted. --from takes "beginning", "end" or a timestamp
in milliseconds or RFC 3339.`,
	Args: cobra.ExactArgs(2),
	RunE: runConsume,
}

func init() {
	f := consumeCmd.Flags()
	f.String("from", "beginning", `start position: "beginning", "end" or a timestamp`)
	f.String("to", "", "stop timestamp (milliseconds or RFC 3339), requires a timestamp --from")
	f.Bool("compactify", false, "keep only the latest record per key")
	f.Duration("progress", 5*time.Second, "interval of progress log lines, 0 disables them")
}

func parsePolicy(from, to string) (feed.OffsetPolicy, error) {
	switch from {
	case "beginning", "Beginning":
		if to != "" {
			return feed.OffsetPolicy{}, fmt.Errorf("--to requires a timestamp --from")
		}
		return feed.OffsetPolicy{Kind: feed.Beginning}, nil
	case "end", "End":
		if to != "" {
			return feed.OffsetPolicy{}, fmt.Errorf("--to requires a timestamp --from")
		}
		return feed.OffsetPolicy{Kind: feed.End}, nil
	}

	start, err := parseTimestamp(from)
	if err != nil {
		return feed.OffsetPolicy{}, fmt.Errorf("--from: %w", err)
	}
	p := feed.OffsetPolicy{Kind: feed.Custom, StartTimestamp: start}
	if to != "" {
		stopTS, err := parseTimestamp(to)
		if err != nil {
			return feed.OffsetPolicy{}, fmt.Errorf("--to: %w", err)
		}
		if stopTS < start {
			return feed.OffsetPolicy{}, fmt.Errorf("--to is before --from")
		}
		p.StopTimestamp = &stopTS
	}
	return p, nil
}

func parseTimestamp(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UnixMilli(), nil
}

func runConsume(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	compactify, _ := cmd.Flags().GetBool("compactify")
	progress, _ := cmd.Flags().GetDuration("progress")

	policy, err := parsePolicy(from, to)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	evs, unsubscribe := a.bus.Subscribe(8)
	defer unsubscribe()

	c, err := a.registry.GetOrCreate(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if err := c.Start(ctx, ingest.Options{Compactify: compactify, Policy: policy}); err != nil {
		return err
	}

	var tick <-chan time.Time
	if progress > 0 {
		ticker := time.NewTicker(progress)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.Done():
			st := c.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %s\n", c.Table(), st.RecordCount, st.StopCause)
			if st.StopCause == ingest.StoppedOnError {
				return fmt.Errorf("consumer of %s stopped on error", c.Table())
			}
			return nil
		case ev := <-evs:
			if ev.Name == events.NameError {
				logger.Error("consumer error", zap.Any("error", ev.Payload))
			}
		case <-tick:
			logger.Info("consuming", zap.String("table", c.Table()), zap.Int64("records", c.Status().RecordCount))
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.Stop(stopCtx)
			cancel()
			if err != nil && !errors.Is(err, ingest.ErrNotRunning) {
				return err
			}
			ctx = context.Background()
		}
	}
}
