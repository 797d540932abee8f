package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"libera/pkg/bridge/monitor"
	"libera/pkg/config"
	"libera/pkg/engine"
	"libera/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runStream([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "stream":
		return runStream(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runStream(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "TOML config path")
	host := fs.String("host", "", "DAC IP address")
	port := fs.Int("port", 0, "DAC TCP port (default 7765)")
	latency := fs.Int64("latency", 0, "latency budget in milliseconds")
	mock := fs.Bool("mock", false, "stream to an in-process mock DAC")
	logPath := fs.String("log", "", "JSONL status log path")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, "config:", err)
			return 1
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.Device.Host = *host
	}
	if *port != 0 {
		cfg.Device.Port = *port
	}
	if *latency != 0 {
		cfg.Device.LatencyMS = *latency
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *mock {
		dac, err := startMockDAC("127.0.0.1:0")
		if err != nil {
			fmt.Fprintln(stderr, "mock dac:", err)
			return 1
		}
		defer dac.Close()
		cfg.Device.Host = "127.0.0.1"
		cfg.Device.Port = dac.Port()
		logger.Infof("[liberad] mock DAC listening on %s", dac.Addr())
	}
	if cfg.Device.Host == "" {
		fmt.Fprintln(stderr, "no DAC address: set --host, device.host, or --mock")
		return 2
	}

	hub := engine.NewStatusHub()
	go hub.Run(ctx)

	if cfg.Log.Path != "" {
		file, err := os.Create(cfg.Log.Path)
		if err != nil {
			fmt.Fprintln(stderr, "failed to open status log:", err)
			return 1
		}
		defer file.Close()
		go logger.NewJSONLWriter(file).Consume(ctx, hub.Subscribe())
	}

	if cfg.Monitor.Enabled {
		bridge := monitor.NewServer(monitor.Config{WSAddr: cfg.Monitor.WSAddr}, hub)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Errorf("[liberad] monitor bridge: %v", err)
			}
		}()
	}

	dev := engine.NewEtherDream(
		engine.WithDeviceName(cfg.Device.Name),
		engine.WithStatusHub(hub),
		engine.WithTargetPointRate(cfg.Device.PointRate),
	)
	dev.SetLatency(cfg.Device.LatencyMS)

	pattern := &circlePattern{}
	dev.SetCallback(pattern.fill)

	if err := dev.Connect(cfg.Device.Host, cfg.Device.Port); err != nil {
		fmt.Fprintln(stderr, "connect:", err)
		return 1
	}
	dev.Start()

	<-ctx.Done()

	dev.Stop()
	dev.Close()
	if err := dev.LastError(); err != nil {
		fmt.Fprintln(stderr, "stream ended with error:", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  liberad stream [--config laser.toml] [--host 192.168.1.43] [--port 7765] [--latency 50] [--log status.jsonl] [--mock]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  stream   connect to an Ether Dream DAC and stream the demo pattern")
}
