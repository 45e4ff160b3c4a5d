package main

import (
	"github.com/godbus/dbus/v5"

	"mced.dev/collab"
	"mced.dev/config"
	"mced.dev/dsm"
	"mced.dev/shutdown"
	"mced.dev/sysbus"
)

const (
	busName  = "com.mced.Display"
	busPath  = "/com/mced/Display"
	busIface = "com.mced.Display"
)

// service implements the §6 inbound bus method surface and the inbound
// signal subscriptions that feed the shutdown reducer and the transition
// submode flag.
type service struct {
	machine   *dsm.Machine
	blanker   *blanker
	state     *sharedState
	config    *config.Store
	transport collab.Transport
	reducer   *shutdown.Reducer
}

// Register claims busName and exports the inbound method table, matching
// the §6 table of bus methods verbatim (wire names are snake_case; the Go
// receiver names stay idiomatic).
func (s *service) Register(conn *sysbus.Conn) error {
	if err := conn.RequestName(busName); err != nil {
		return err
	}
	table := map[string]any{
		"display_status_get":              s.displayStatusGet,
		"req_display_state_on":            s.reqDisplayStateOn,
		"req_display_state_dim":           s.reqDisplayStateDim,
		"req_display_state_off":           s.reqDisplayStateOff,
		"req_display_state_lpm":           s.reqDisplayStateLPM,
		"req_display_blanking_pause":        s.reqDisplayBlankingPause,
		"req_display_cancel_blanking_pause": s.reqDisplayCancelBlankingPause,
		"get_cabc_mode":                    s.getCabcMode,
		"req_cabc_mode":                    s.reqCabcMode,
	}
	return conn.ExportMethods(busPath, busIface, table)
}

func (s *service) displayStatusGet() (string, *dbus.Error) {
	return s.machine.Current().Collapsed(), nil
}

func (s *service) reqDisplayStateOn() *dbus.Error {
	s.machine.Request.Publish(dsm.On)
	return nil
}

func (s *service) reqDisplayStateDim() *dbus.Error {
	s.machine.Request.Publish(dsm.Dim)
	return nil
}

func (s *service) reqDisplayStateOff() *dbus.Error {
	if s.blanker.offOverride() == offOverrideUseLPM {
		s.machine.Request.Publish(dsm.LPMOn)
	} else {
		s.machine.Request.Publish(dsm.Off)
	}
	return nil
}

func (s *service) reqDisplayStateLPM() *dbus.Error {
	s.machine.Request.Publish(dsm.LPMOn)
	return nil
}

func (s *service) reqDisplayBlankingPause(sender dbus.Sender) *dbus.Error {
	s.blanker.AddPauseClient(string(sender))
	return nil
}

func (s *service) reqDisplayCancelBlankingPause(sender dbus.Sender) *dbus.Error {
	s.blanker.RemovePauseClient(string(sender))
	return nil
}

const defaultCabcMode = "off"

func (s *service) getCabcMode() (string, *dbus.Error) {
	if mode, ok := s.config.String("cabc_mode"); ok {
		return mode, nil
	}
	return defaultCabcMode, nil
}

var supportedCabcModes = map[string]bool{
	"off": true, "ui": true, "still-image": true, "moving-image": true,
}

func (s *service) reqCabcMode(mode string) (string, *dbus.Error) {
	if !supportedCabcModes[mode] {
		mode = defaultCabcMode
	}
	if err := s.config.Set("cabc_mode", mode); err != nil {
		return defaultCabcMode, nil
	}
	return mode, nil
}

// OnShutdownSignal wires a received shutdown_ind/thermal_shutdown_ind/
// battery_empty_ind signal into the reducer (§6).
func (s *service) OnShutdownSignal(sig shutdown.Signal) {
	s.reducer.OnShutdownSignal(sig)
}

// OnDesktopVisible and OnInitDone both end the bootup transition submode
// (§6, §3 "Transition submode").
func (s *service) OnDesktopVisible() { s.state.setBootupDone(true) }
func (s *service) OnInitDone()       { s.state.setBootupDone(true) }

// subscribeSignals wires the three shutdown signals plus desktop_visible
// and init_done to the service, each on its own small forwarding channel
// (§4.1: the bus transport fans signals out by interface+member).
func (s *service) subscribeSignals(transport collab.Transport) {
	type sub struct {
		iface, member string
		handle        func(collab.Signal)
	}
	subs := []sub{
		{busIface, "shutdown_ind", func(collab.Signal) { s.OnShutdownSignal(shutdown.SignalNormal) }},
		{busIface, "thermal_shutdown_ind", func(collab.Signal) { s.OnShutdownSignal(shutdown.SignalThermal) }},
		{busIface, "battery_empty_ind", func(collab.Signal) { s.OnShutdownSignal(shutdown.SignalBatteryEmpty) }},
		{busIface, "desktop_visible", func(collab.Signal) { s.OnDesktopVisible() }},
		{"com.mced.Startup", "init_done", func(collab.Signal) { s.OnInitDone() }},
	}
	for _, sb := range subs {
		ch := make(chan collab.Signal, 4)
		transport.Subscribe(sb.iface, sb.member, ch)
		go func(h func(collab.Signal), ch chan collab.Signal) {
			for sig := range ch {
				h(sig)
			}
		}(sb.handle, ch)
	}
}
