package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/blockparty/internal/logging"
	"github.com/smazurov/blockparty/internal/nats"
	"github.com/smazurov/blockparty/internal/probe"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/smazurov/blockparty/internal/version"
	"github.com/spf13/cobra"
)

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var natsURL string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "probe [path]",
		Short: "Listen to a published stream and report packet statistics",
		Long: `Fetches the stream record at path, joins its RTP and RTCP ports and counts packets, ` +
			`sequence gaps and RTCP reports. Prints the statistics as JSON when the duration elapses or on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			logger := logging.GetLogger("probe")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			props, err := currentRecord(ctx, natsURL, path)
			if err != nil {
				return err
			}

			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			p := probe.New(logger)
			if err := p.Listen(ctx, props); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Path   string                   `json:"path"`
				Stream streams.StreamProperties `json:"stream"`
				Stats  probe.Stats              `json:"stats"`
			}{path, props, p.Stats()})
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to listen, 0 until interrupted")
	return cmd
}

// currentRecord waits for the first valid record at path.
func currentRecord(ctx context.Context, natsURL, path string) (streams.StreamProperties, error) {
	client := nats.NewClient(natsURL, version.ClientName("probe"), logging.GetLogger("nats"))
	if err := client.Connect(); err != nil {
		return streams.StreamProperties{}, err
	}
	defer client.Close()

	records := make(chan streams.StreamProperties, 1)
	unsubscribe, err := client.SubscribeStream(path, func(props streams.StreamProperties) {
		if props.Validate() != nil {
			return
		}
		select {
		case records <- props:
		default:
		}
	})
	if err != nil {
		return streams.StreamProperties{}, fmt.Errorf("subscribe %s: %w", path, err)
	}
	defer unsubscribe()

	select {
	case props := <-records:
		return props, nil
	case <-ctx.Done():
		return streams.StreamProperties{}, errors.New("no stream record received for " + path)
	}
}
