// command mced is the Mode Control Entity daemon: it owns the display
// state machine and the device lifecycle socket coupling described in
// this repository's specification.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mced.dev/blanking"
	"mced.dev/brightness"
	"mced.dev/bus"
	"mced.dev/compositor"
	"mced.dev/config"
	"mced.dev/dsm"
	"mced.dev/fbgate"
	"mced.dev/internal/clock"
	"mced.dev/lifecycle"
	"mced.dev/mcelog"
	"mced.dev/shutdown"
	"mced.dev/suspend"
	"mced.dev/sysbus"
	"mced.dev/sysfs"
)

func main() {
	if grace := os.Getenv(fbgate.HolderEnv); grace != "" {
		d, err := time.ParseDuration(grace)
		if err != nil {
			d = fbgate.MinGrace
		}
		fbgate.HoldAndExit(d)
		return
	}

	fbDevice := flag.String("fb-device", "", "framebuffer device node for the ioctl backend (empty selects the no-op backend)")
	wakePath := flag.String("fb-wake-path", "/sys/power/wait_for_fb_wake", "kernel notification path for panel wake")
	sleepPath := flag.String("fb-sleep-path", "/sys/power/wait_for_fb_sleep", "kernel notification path for panel sleep")
	backlightDir := flag.String("backlight-dir", "/sys/class/backlight/display", "backlight sysfs class device directory")
	ledDir := flag.String("led-dir", "/sys/class/leds/panic-indicator", "LED sysfs class device directory shared by all patterns")
	proximityPath := flag.String("proximity-path", "", "IIO proximity sysfs attribute (empty disables proximity)")
	alsPath := flag.String("als-path", "", "IIO ambient-light sysfs attribute (empty disables ALS)")
	socketPath := flag.String("socket", "/run/dsme/dsmesock", "device-state manager datagram socket path")
	dsmeService := flag.String("dsme-service", "com.nokia.dsme", "bus name owning the device-state manager")
	compositorService := flag.String("compositor-service", "com.mced.Compositor", "compositor bus name")
	compositorPath := flag.String("compositor-path", "/com/mced/Compositor", "compositor object path")
	compositorIface := flag.String("compositor-iface", "com.mced.Compositor", "compositor interface")
	configPath := flag.String("config", "/var/lib/mced/settings.cbor", "persistent configuration store path")
	flag.Parse()

	if err := run(runConfig{
		fbDevice:          *fbDevice,
		wakePath:          *wakePath,
		sleepPath:         *sleepPath,
		backlightDir:      *backlightDir,
		ledDir:            *ledDir,
		proximityPath:     *proximityPath,
		alsPath:           *alsPath,
		socketPath:        *socketPath,
		dsmeService:       *dsmeService,
		compositorService: *compositorService,
		compositorPath:    *compositorPath,
		compositorIface:   *compositorIface,
		configPath:        *configPath,
	}); err != nil {
		mcelog.Errorf("mced: %v", err)
		os.Exit(1)
	}
}

type runConfig struct {
	fbDevice, wakePath, sleepPath                   string
	backlightDir, ledDir                             string
	proximityPath, alsPath                           string
	socketPath, dsmeService                          string
	compositorService, compositorPath, compositorIface string
	configPath                                       string
}

func run(cfg runConfig) error {
	store, err := config.Open(cfg.configPath)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	transport, err := sysbus.System()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer transport.Close()

	clk := clock.Real{}

	led := sysfs.NewLED(map[string]string{
		"fb-suspend-timeout":         cfg.ledDir,
		"fb-resume-timeout":          cfg.ledDir,
		"blank-failed":               cfg.ledDir,
		"unblank-failed":             cfg.ledDir,
		"compositor-kill-in-progress": cfg.ledDir,
	})

	backend, err := openFBBackend(cfg.fbDevice)
	if err != nil {
		return fmt.Errorf("open framebuffer backend: %w", err)
	}
	fb, err := fbgate.Open(backend, led, cfg.wakePath, cfg.sleepPath)
	if err != nil {
		return fmt.Errorf("open framebuffer gate: %w", err)
	}
	defer fb.Close()

	backlight, err := sysfs.OpenBacklight(cfg.backlightDir)
	if err != nil {
		return fmt.Errorf("open backlight: %w", err)
	}
	brightnessEngine, err := brightness.Open(clk, backlight)
	if err != nil {
		return fmt.Errorf("open brightness engine: %w", err)
	}

	sensors := sysfs.NewSensors(cfg.proximityPath, cfg.alsPath, 1)

	pid := compositorPidLookup(transport, cfg.compositorService)
	mediator := compositor.New(transport, led, clk, pid, cfg.compositorService, cfg.compositorPath, cfg.compositorIface, compositor.DefaultConfig())

	holder := newFBHolder(backend)
	reducer := shutdown.NewReducer(holder)

	requests := bus.NewChannel(dsm.Off)
	published := bus.NewChannel(dsm.Off)
	systemStateCh := bus.NewChannel(lifecycle.StateUndef)
	heartbeats := bus.NewChannel(lifecycle.Heartbeat{})

	state := newSharedState()
	systemStateCh.AddTrigger(func(s lifecycle.SystemState) {
		state.setSystemState(s)
		reducer.OnSystemState(s)
	})

	lc := lifecycle.NewClient(transport, cfg.socketPath, cfg.dsmeService, systemStateCh, heartbeats)
	lc.UpdateMode = func() bool { return state.snapshot().updateMode }

	machine := dsm.New(requests, published)
	machine.FB = fb
	machine.Brightness = brightnessEngine
	machine.Compositor = mediator
	machine.Sensors = sensors
	machine.Shutdown = reducer
	machine.Clock = clk
	machine.Blockers = state.blockers
	machine.OracleInputs = func() suspend.Inputs {
		policy := suspend.Enabled
		if mode, ok := store.Int("use_autosuspend"); ok {
			policy = suspend.PolicyMode(mode)
		}
		return state.oracleInputs(policy, reducer.Latched())
	}
	machine.DisplayStatusInd = func(collapsed string) {
		if err := transport.Emit(busPath, busIface, "display_status_ind", collapsed); err != nil {
			mcelog.Warnf("mced: emit display_status_ind: %v", err)
		}
	}
	brightnessEngine.OnFaderOpacity = func(percent, durationMs int) {
		if err := transport.Emit(busPath, busIface, "fader_opacity_ind", percent, durationMs); err != nil {
			mcelog.Warnf("mced: emit fader_opacity_ind: %v", err)
		}
	}

	bl := newBlanker(clk, requests, published, state)
	bl.offOverride = func() offOverride {
		if v, ok := store.String("display_off_override"); ok && v == "use-lpm" {
			return offOverrideUseLPM
		}
		return offOverrideDisabled
	}
	if timeouts, ok := store.IntList("dim_timeout_list"); ok {
		bl.dim = blanking.NewDimIndex(timeouts)
	}
	bl.blankTimeout = func() time.Duration {
		if v, ok := store.Int("blank_timeout"); ok {
			return time.Duration(v) * time.Second
		}
		return 30 * time.Second
	}

	svc := &service{machine: machine, blanker: bl, state: state, config: store, transport: transport, reducer: reducer}
	if err := svc.Register(transport); err != nil {
		mcelog.Warnf("mced: register bus service: %v", err)
	}
	svc.subscribeSignals(transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go lc.Run(ctx)
	go bl.Run(ctx)
	machine.Run(ctx)
	return nil
}

// fbHolder adapts fbgate's detached-holder mechanism to shutdown.FBHolder:
// Open spawns the holder once (best-effort, §4.3/§4.9); Close is a no-op
// since the holder self-terminates after its grace period rather than
// being told to exit early.
type fbHolder struct {
	backend fbgate.Backend
	since   time.Time
}

func newFBHolder(backend fbgate.Backend) *fbHolder {
	return &fbHolder{backend: backend}
}

func (h *fbHolder) Open() error {
	h.since = time.Now()
	fb, ok := h.backend.(fbgate.FileBacked)
	if !ok {
		return nil
	}
	return fbgate.SpawnHolder(fb.File(), h.since)
}

func (h *fbHolder) Close() error { return nil }

// compositorPidLookup resolves the compositor's pid from its current bus
// name owner via GetConnectionUnixProcessID; best-effort, matching §4.6's
// "pid lookup is asynchronous and may not have resolved yet".
func compositorPidLookup(transport *sysbus.Conn, service string) compositor.PidLookup {
	return func() (int, bool) {
		pid, err := transport.UnixProcessID(service)
		if err != nil {
			return 0, false
		}
		return pid, true
	}
}
