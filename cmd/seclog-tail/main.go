package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"walletgate/pkg/statebus"
)

// eventSource is the consumer surface the tail loop needs.
type eventSource interface {
	ReadMessage(ctx context.Context) (statebus.Message, error)
	Close() error
}

// Testable variables for main()
var (
	osExit         = os.Exit
	openConsumerFn = func(cfg statebus.KafkaConfig) (eventSource, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
	nowFn = time.Now
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seclog-tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	brokers := fs.String("brokers", env("KAFKA_BROKERS", ""), "comma-separated kafka brokers")
	topic := fs.String("topic", env("KAFKA_TOPIC", "walletgate.security-events"), "security event topic")
	group := fs.String("group", env("KAFKA_GROUP_ID", "walletgate-seclog-tail"), "consumer group id")
	limit := fs.Int("limit", 0, "stop after this many events (0 tails forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*brokers) == "" {
		return errors.New("brokers required (-brokers or KAFKA_BROKERS)")
	}

	consumer, err := openConsumerFn(statebus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	return tail(ctx, consumer, out, *limit)
}

type busEvent struct {
	Event   string `json:"event"`
	Origin  string `json:"origin"`
	Details string `json:"details"`
}

// tail prints one line per security event until ctx is cancelled or
// limit events have been printed. Messages that do not decode as bus
// events are printed raw rather than dropped.
func tail(ctx context.Context, source eventSource, out io.Writer, limit int) error {
	for n := 0; limit == 0 || n < limit; n++ {
		msg, err := source.ReadMessage(ctx)
		if err != nil {
			return err
		}
		stamp := nowFn().UTC().Format(time.RFC3339)
		var event busEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil || event.Event == "" {
			fmt.Fprintf(out, "%s  %s\n", stamp, strings.TrimSpace(string(msg.Value)))
			continue
		}
		line := event.Event + "  " + event.Origin
		if event.Details != "" {
			line += "  " + event.Details
		}
		fmt.Fprintf(out, "%s  %s\n", stamp, line)
	}
	return nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
