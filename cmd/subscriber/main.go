// subscriber connects to a realtime gateway, joins rooms and prints every
// received event to stdout as one JSON object per line. Logs go to stderr.
//
// Room mode (default) joins the rooms given with --room or listed in the
// --rooms-file. The file is watched and the subscription follows its
// rooms list as it changes.
//
// Notification mode (--user) follows user:<id> for notification events
// only and reports the unread count on stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lorrc/farmlink-realtime/internal/backoff"
	"github.com/lorrc/farmlink-realtime/internal/config"
	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
	"github.com/lorrc/farmlink-realtime/internal/subscription"
)

const defaultURL = "ws://localhost:8080/api/v1/ws"

type options struct {
	url        string
	token      string
	rooms      []string
	subscribe  []string
	configPath string
	user       string
	logLimit   int
	logLevel   string
	reconnect  backoff.Policy
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("subscriber", pflag.ContinueOnError)
	flagSet.StringVar(&opts.url, "url", defaultURL, "gateway websocket URL")
	flagSet.StringVar(&opts.token, "token", "", "access token sent as the token query parameter")
	flagSet.StringArrayVar(&opts.rooms, "room", nil, "room to join, repeatable (order:<id>, farm:<id>, user:<id>)")
	flagSet.StringSliceVar(&opts.subscribe, "subscribe", nil, "event types to print, comma separated (default all)")
	flagSet.StringVar(&opts.configPath, "rooms-file", "", "YAML subscription file, reloaded on change")
	flagSet.StringVar(&opts.user, "user", "", "follow notifications for this user id")
	flagSet.IntVar(&opts.logLimit, "log-limit", 100, "events kept in memory, 0 for unbounded")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.DurationVar(&opts.reconnect.Base, "reconnect-base", backoff.DefaultPolicy.Base, "first reconnect delay")
	flagSet.DurationVar(&opts.reconnect.Max, "reconnect-max", backoff.DefaultPolicy.Max, "reconnect delay cap")
	flagSet.IntVar(&opts.reconnect.MaxAttempts, "reconnect-attempts", backoff.DefaultPolicy.MaxAttempts, "reconnect attempts before giving up")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if opts.configPath != "" {
		file, err := config.LoadSubscriber(opts.configPath)
		if err != nil {
			return err
		}
		opts.merge(flagSet, file)
	}
	if err := opts.validate(); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:       opts.logLevel,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "farmlink-subscriber",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return subscribe(ctx, opts, logger)
}

// merge fills every option not set on the command line from the file.
func (o *options) merge(flagSet *pflag.FlagSet, file *config.SubscriberConfig) {
	if !flagSet.Changed("url") && file.URL != "" {
		o.url = file.URL
	}
	if !flagSet.Changed("token") && file.Token != "" {
		o.token = file.Token
	}
	if !flagSet.Changed("room") && len(file.Rooms) > 0 {
		o.rooms = file.Rooms
	}
	if !flagSet.Changed("user") && file.User != "" {
		o.user = file.User
	}
	if !flagSet.Changed("log-limit") && file.LogLimit > 0 {
		o.logLimit = file.LogLimit
	}
	if !flagSet.Changed("reconnect-base") && file.Reconnect.BaseDelay > 0 {
		o.reconnect.Base = file.Reconnect.BaseDelay
	}
	if !flagSet.Changed("reconnect-max") && file.Reconnect.MaxDelay > 0 {
		o.reconnect.Max = file.Reconnect.MaxDelay
	}
	if !flagSet.Changed("reconnect-attempts") && file.Reconnect.MaxAttempts > 0 {
		o.reconnect.MaxAttempts = file.Reconnect.MaxAttempts
	}
}

func (o *options) validate() error {
	if o.reconnect.Base <= 0 || o.reconnect.Max < o.reconnect.Base {
		return errors.New("--reconnect-max must be at least --reconnect-base, both positive")
	}
	if o.logLimit < 0 {
		return errors.New("--log-limit must not be negative")
	}

	if o.user != "" {
		if len(o.rooms) > 0 {
			return errors.New("--user and --room cannot be combined")
		}
		return domain.ValidateEntityID(o.user)
	}
	if len(o.rooms) == 0 {
		return errors.New("at least one --room (or --user) is required")
	}
	for _, room := range o.rooms {
		if _, err := domain.ParseRoom(room); err != nil {
			return fmt.Errorf("room %q: %w", room, err)
		}
	}
	return nil
}

// subscriber is the part of Manager and NotificationFeed the CLI drives
type subscriber interface {
	SetRooms([]string) error
	Close() error
}

func subscribe(ctx context.Context, opts options, logger *slog.Logger) error {
	out := json.NewEncoder(os.Stdout)
	exhausted := make(chan error, 1)

	cfg := subscription.Config{
		URL:      opts.url,
		Token:    opts.token,
		Rooms:    opts.rooms,
		Enabled:  true,
		Backoff:  opts.reconnect,
		LogLimit: opts.logLimit,
		Logger:   logger,
	}
	for _, t := range opts.subscribe {
		cfg.Subscribe = append(cfg.Subscribe, domain.EventType(t))
	}

	// Set once the feed exists; events can arrive before New returns.
	var feed atomic.Pointer[subscription.NotificationFeed]
	cb := subscription.Callbacks{
		OnUpdate: func(ev domain.Event) {
			if err := out.Encode(ev); err != nil {
				logger.Error("failed to write event", "error", err)
			}
			if f := feed.Load(); f != nil {
				logger.Info("notification received", "unread", f.UnreadCount())
			}
		},
		OnError: func(err error) {
			if errors.Is(err, subscription.ErrReconnectExhausted) {
				select {
				case exhausted <- err:
				default:
				}
				return
			}
			logger.Warn("subscription error", "error", err)
		},
		OnStateChange: func(s subscription.State) {
			logger.Info("connection state changed", "state", s.String())
		},
	}

	var sub subscriber
	if opts.user != "" {
		f := subscription.NewNotificationFeed(opts.user, cfg, cb)
		feed.Store(f)
		sub = f
	} else {
		sub = subscription.New(cfg, cb)
	}
	defer sub.Close()

	if opts.configPath != "" && opts.user == "" {
		go func() {
			err := config.WatchSubscriber(ctx, opts.configPath, logger, func(file *config.SubscriberConfig) {
				if err := sub.SetRooms(file.Rooms); err != nil {
					logger.Error("failed to apply rooms", "error", err)
				}
			})
			if err != nil {
				logger.Error("subscription file watch stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-exhausted:
		return err
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `subscriber prints realtime events as JSON lines.

Usage:
  subscriber --room order:42 [--room farm:7] [flags]
  subscriber --user 1029 --token <jwt> [flags]
  subscriber --rooms-file rooms.yaml [flags]

Flags given on the command line take precedence over the --rooms-file.

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
