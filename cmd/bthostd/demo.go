package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/loop"
	"github.com/srg/bthost/internal/transport"
	"github.com/srg/bthost/pkg/bthost"
	"github.com/srg/bthost/pkg/config"
)

const (
	demoAdapterAddr = "00:1A:7D:DA:71:13"
	demoRemoteAddr  = "D8:2A:44:13:36:01"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Drive the state machine end to end over the in-memory transport",
	Long: `Runs the daemon with the serial and input profiles on a simulated
adapter, connects a simulated remote device inbound and outbound, and
streams every service state transition until interrupted.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().String("config", "", "Path to YAML config file")
	demoCmd.Flags().Bool("pty", false, "Expose accepted serial channels as PTYs")
	demoCmd.Flags().Duration("duration", 5*time.Second, "How long to run the demo")
	demoCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	usePTY, _ := cmd.Flags().GetBool("pty")
	duration, _ := cmd.Flags().GetDuration("duration")

	// The transport dispatches callbacks onto the daemon loop; the daemon
	// is created right after, so the closure resolves by dial time.
	var d *bthost.Daemon
	lb := transport.NewLoopback(func(fn func()) { d.Post(fn) }, logger)
	d = bthost.New(cfg, logger, lb, nil)

	serial := newSerialProfile(lb, logger, usePTY)
	hid := newHIDProfile(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	// The loop outlives the demo deadline so the final snapshot can still
	// run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop.Go(loopCtx, "bthostd-loop", func(ctx context.Context) { d.Run(ctx) })
	loop.Go(ctx, "event-printer", func(context.Context) {
		for ev := range d.Events() {
			printEvent(ev)
		}
	})

	d.Sync(func() {
		must(d.RegisterProfile(serial.descriptor()))
		must(d.RegisterProfile(hid.descriptor()))
		_, err := d.AddAdapter(demoAdapterAddr)
		must(err)

		dev, err := d.AddDevice(demoAdapterAddr, demoRemoteAddr)
		must(err)
		dev.AddUUID(SerialUUID)
		dev.SetResolved(nil)
	})

	// The simulated remote listens for our outbound dials...
	remoteLn, err := lb.Listen(func(transport.Channel) {},
		transport.WithSource(demoRemoteAddr),
		transport.WithChannel(serialChannel))
	if err != nil {
		return err
	}
	defer func() { _ = remoteLn.Close() }()

	// ...and dials us inbound, exercising the discovery and authorization
	// gates before the serial profile sees the connection.
	remoteCh, err := lb.Dial(demoRemoteAddr, demoAdapterAddr,
		transport.WithChannel(serialChannel))
	if err != nil {
		return err
	}
	if _, err := remoteCh.Write([]byte("hello from remote\r\n")); err != nil {
		return err
	}

	// Outbound leg: connect, then disconnect halfway through the run.
	d.Sync(func() {
		svc := serviceOf(d, demoRemoteAddr, SerialUUID)
		if svc != nil {
			if err := svc.Connect(); err != nil {
				logger.WithError(err).Warn("outbound connect refused")
			}
		}
	})

	halftime := time.After(duration / 2)
	go func() {
		<-halftime
		d.Post(func() {
			svc := serviceOf(d, demoRemoteAddr, SerialUUID)
			if svc != nil && svc.State() == host.StateConnected {
				_ = svc.Disconnect()
			}
		})
	}()

	<-ctx.Done()
	_ = remoteCh.Shutdown(false)

	printSnapshot(d.Snapshot())
	return nil
}

func serviceOf(d *bthost.Daemon, deviceAddr, uuid string) *host.Service {
	a := d.Adapter(demoAdapterAddr)
	if a == nil {
		return nil
	}
	dev := a.FindDevice(deviceAddr)
	if dev == nil {
		return nil
	}
	return dev.GetService(uuid)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func colorsEnabled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func printEvent(ev host.StateEvent) {
	arrow := fmt.Sprintf("%s -> %s", ev.Old, ev.New)
	if colorsEnabled() {
		c := color.New(color.FgCyan)
		if ev.New == host.StateConnected {
			c = color.New(color.FgGreen)
		}
		if ev.Err != nil {
			c = color.New(color.FgRed)
		}
		arrow = c.Sprint(arrow)
	}

	line := fmt.Sprintf("%s  %s/%s  %s", ev.Time.Format("15:04:05.000"), ev.Profile, ev.Device, arrow)
	if ev.Err != nil {
		line += fmt.Sprintf("  (%v)", ev.Err)
	}
	fmt.Println(line)
}

func printSnapshot(statuses []bthost.ServiceStatus) {
	header := fmt.Sprintf("%-20s %-20s %-14s %-14s %s", "ADAPTER", "DEVICE", "PROFILE", "STATE", "ERROR")
	if colorsEnabled() {
		header = color.New(color.Bold).Sprint(header)
	}
	fmt.Println(header)

	for _, st := range statuses {
		errStr := ""
		if st.Err != nil {
			errStr = st.Err.Error()
		}
		fmt.Printf("%-20s %-20s %-14s %-14s %s\n",
			st.Adapter, st.Device, st.Profile, st.State, errStr)
	}
}
