// bridgectl attaches to the weather station value bridge as its peer and
// reads, writes, or watches values. It is a stand-in for the UI when
// debugging; while the UI is attached the bridge rejects bridgectl with
// "contract busy".
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/FdxDelveloper/iot-walkthrough/internal/bridge"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/logging"
	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

const usage = `bridgectl attaches to the value bridge and reads or writes values.

Usage:
  bridgectl [flags] get KEY...
  bridgectl [flags] set KEY=VALUE...
  bridgectl [flags] watch [KEY...]

Values given to set are sent as booleans or numbers when they parse as
one, and as strings otherwise. Use --string to always send strings.

Flags:
`

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage")

type options struct {
	socket   string
	url      string
	contract string
	timeout  time.Duration
	strings  bool
	verbose  bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	defaults := config.Default().Bridge

	var opts options
	flagSet := pflag.NewFlagSet("bridgectl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.socket, "socket", envOr("WEATHERSTATION_BRIDGE_SOCKET", defaults.SocketPath), "bridge Unix socket")
	flagSet.StringVar(&opts.url, "url", os.Getenv("WEATHERSTATION_BRIDGE_URL"), "bridge WebSocket URL (ws://host:port/bridge); overrides --socket")
	flagSet.StringVar(&opts.contract, "contract", envOr("WEATHERSTATION_BRIDGE_CONTRACT", defaults.Contract), "contract to attach under")
	flagSet.DurationVarP(&opts.timeout, "timeout", "t", 3*time.Second, "how long get waits for a reply")
	flagSet.BoolVar(&opts.strings, "string", false, "send set values as strings")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log bridge client activity to stderr")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "get":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("%w: get needs at least one key", errUsage)
		}
	case "set":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("%w: set needs at least one KEY=VALUE", errUsage)
		}
	case "watch":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	client, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // Exit path

	if opts.verbose {
		client.SetLogger(logging.NewWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, "bridgectl", stderr))
	}

	switch cmd {
	case "get":
		return runGet(ctx, client, cmdArgs, opts.timeout, stdout)
	case "set":
		return runSet(client, cmdArgs, opts.strings)
	default:
		return runWatch(ctx, client, cmdArgs, stdout)
	}
}

func dial(ctx context.Context, opts options) (*bridge.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if opts.url != "" {
		return bridge.DialWebSocket(dialCtx, opts.url, opts.contract)
	}
	return bridge.Dial(dialCtx, opts.socket, opts.contract)
}

// runGet requests keys and prints the reply. The bridge does not answer
// for keys it has never seen, so unknown keys are reported after timeout.
func runGet(ctx context.Context, client *bridge.Client, keys []string, timeout time.Duration, stdout io.Writer) error {
	arrived := make(chan struct{}, 1)
	sub := client.Observe(func(c valuestore.Change) {
		if c.Origin != bridge.OriginRemote {
			return
		}
		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()

	if err := client.Get(keys...); err != nil {
		return fmt.Errorf("sending get: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for !haveAll(client, keys) {
		select {
		case <-arrived:
		case <-timer.C:
			return printValues(stdout, client, keys)
		case <-client.Done():
			if err := client.Err(); err != nil {
				return err
			}
			return bridge.ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return printValues(stdout, client, keys)
}

func haveAll(client *bridge.Client, keys []string) bool {
	for _, k := range keys {
		if _, ok := client.Value(k); !ok {
			return false
		}
	}
	return true
}

func printValues(w io.Writer, client *bridge.Client, keys []string) error {
	var missing []string
	for _, k := range keys {
		v, ok := client.Value(k)
		if !ok {
			missing = append(missing, k)
			continue
		}
		fmt.Fprintf(w, "%s=%s\n", k, formatValue(v))
	}
	if len(missing) > 0 {
		return fmt.Errorf("no value for %s", strings.Join(missing, ", "))
	}
	return nil
}

func runSet(client *bridge.Client, pairs []string, asStrings bool) error {
	values, err := parseAssignments(pairs, asStrings)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	return client.Set(values)
}

// runWatch prints every value the bridge sends until interrupted. Keys
// limits the output; the listed keys are also requested once up front.
func runWatch(ctx context.Context, client *bridge.Client, keys []string, stdout io.Writer) error {
	filter := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		filter[k] = struct{}{}
	}

	lines := make(chan string, 64)
	sub := client.Observe(func(c valuestore.Change) {
		if c.Origin != bridge.OriginRemote {
			return
		}
		for _, k := range sortedKeys(c.Values) {
			if len(filter) > 0 {
				if _, ok := filter[k]; !ok {
					continue
				}
			}
			select {
			case lines <- fmt.Sprintf("%s %s=%s", c.At.Format(time.RFC3339), k, formatValue(c.Values[k])):
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if len(keys) > 0 {
		if err := client.Get(keys...); err != nil {
			return fmt.Errorf("sending get: %w", err)
		}
	}

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(stdout, line)
		case <-client.Done():
			return client.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

// parseAssignments turns KEY=VALUE arguments into a values batch.
func parseAssignments(pairs []string, asStrings bool) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid assignment %q, want KEY=VALUE", p)
		}
		if asStrings {
			values[k] = v
			continue
		}
		values[k] = parseValue(v)
	}
	return values, nil
}

func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
