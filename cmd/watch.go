package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/smazurov/blockparty/internal/logging"
	"github.com/smazurov/blockparty/internal/nats"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/smazurov/blockparty/internal/version"
	"github.com/spf13/cobra"
)

// watchLine is one line of watch output.
type watchLine struct {
	Kind   string                    `json:"kind"`
	Path   string                    `json:"path,omitempty"`
	Stream *streams.StreamProperties `json:"stream,omitempty"`
	State  *nats.StateMessage        `json:"state,omitempty"`
}

// jsonPrinter writes one JSON document per line. Updates arrive on NATS
// goroutines, so writes are serialized.
type jsonPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONPrinter(w io.Writer) *jsonPrinter {
	return &jsonPrinter{enc: json.NewEncoder(w)}
}

func (p *jsonPrinter) print(line watchLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(line)
}

// CreateWatchCmd creates the watch command.
func CreateWatchCmd() *cobra.Command {
	var natsURL string
	var states bool

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Print stream record updates",
		Long: `Subscribes to the stream record at path and prints the current record and every update as JSON, ` +
			`one per line. With --states the state messages of every source and sink are printed too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			logger := logging.GetLogger("watch")

			client := nats.NewClient(natsURL, version.ClientName("watch"), logger)
			if err := client.Connect(); err != nil {
				return err
			}
			defer client.Close()

			printer := newJSONPrinter(cmd.OutOrStdout())

			unsubscribe, err := client.SubscribeStream(path, func(props streams.StreamProperties) {
				printer.print(watchLine{Kind: "stream", Path: path, Stream: &props})
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", path, err)
			}
			defer unsubscribe()

			if states {
				unsubscribeStates, err := client.SubscribeStates(func(m nats.StateMessage) {
					printer.print(watchLine{Kind: "state", State: &m})
				})
				if err != nil {
					return fmt.Errorf("subscribe states: %w", err)
				}
				defer unsubscribeStates()
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	cmd.Flags().BoolVar(&states, "states", false, "Also print service state messages")
	return cmd
}
