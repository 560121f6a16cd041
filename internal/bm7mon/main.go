package bm7mon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/derekpurdy/BM7/battery"
	"github.com/derekpurdy/BM7/ble"
	"github.com/derekpurdy/BM7/codec"
	"github.com/derekpurdy/BM7/internal/logging"
	"github.com/derekpurdy/BM7/monitor"
	"github.com/joho/godotenv"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"Path to the config file." default:"/etc/bm7mon/config.yaml"`
	logging.LogArgs
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	log.Printf("Running version: %s", version)

	// MQTT credentials may live in a .env file next to the binary.
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	config, err := ParseConfig(args.ConfigFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := ble.NewBluetoothTransport()
	if err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	publisher, err := NewMQTTPublisher(config.MQTT, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()

	for _, device := range config.Devices {
		profile, err := device.Profile()
		if err != nil {
			return fmt.Errorf("device %q: %w", device.Name, err)
		}
		key, err := codec.KeyFor(codec.Model(device.Model))
		if err != nil {
			return fmt.Errorf("device %q: %w", device.Name, err)
		}
		command, err := codec.EncryptCommand(codec.CmdRealtime, key)
		if err != nil {
			return fmt.Errorf("device %q: %w", device.Name, err)
		}

		if err := publisher.Announce(device, temperatureSymbol(profile.TemperatureUnit)); err != nil {
			log.Errorf("Device %q: discovery announce failed: %v", device.Name, err)
		}

		interval := device.PollInterval()
		if interval <= 0 {
			interval = time.Minute
		}

		session := ble.NewSession(transport, device.Address, command, ble.SessionOptions{})
		coordinator := monitor.NewCoordinator(
			device.Name,
			session,
			key,
			profile,
			publisher,
			monitor.Options{
				Interval:         interval,
				DebouncePolls:    device.DebouncePolls,
				UnavailableAfter: device.UnavailableAfter,
			},
			log,
		)

		log.Infof("Monitoring %q at %s every %s", device.Name, device.Address, interval)

		wg.Add(2)
		go func() {
			defer wg.Done()
			coordinator.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			forwardEvents(ctx, coordinator.Events(), publisher)
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	wg.Wait()
	return nil
}

// forwardEvents pushes coordinator transition events to MQTT until ctx is
// cancelled.
func forwardEvents(ctx context.Context, events <-chan monitor.Event, publisher *MQTTPublisher) {
	for {
		select {
		case event := <-events:
			log.Infof("Device %q: %s", event.DeviceID, event.Type)
			if err := publisher.PublishEvent(event); err != nil {
				log.Errorf("Device %q: publishing event: %v", event.DeviceID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func temperatureSymbol(unit battery.TemperatureUnit) string {
	if unit == battery.Fahrenheit {
		return "°F"
	}
	return "°C"
}
