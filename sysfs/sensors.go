package sysfs

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sensors is a collab.SensorGateway backed by the Linux IIO sysfs ABI:
// /sys/bus/iio/devices/iio:device*/in_proximity_raw and
// in_illuminance_input. There is no inotify-friendly event source for
// either attribute, so readings are polled on a ticker and compared
// against the last value, the same SenseContinuous shape
// google-periph/host/sysfs's ThermalSensor uses for its own polled sysfs
// attribute.
type Sensors struct {
	proximityPath string
	alsPath       string
	covered       uint32 // threshold raw value at/above which proximity reports covered

	mu            sync.Mutex
	lastProximity bool
	lastLux       int
	onProximity   []func(bool)
	onAmbient     []func(int)

	enabled bool
	stop    chan struct{}
}

// NewSensors builds a Sensors gateway from the two IIO attribute paths.
// Either may be empty to disable that channel.
func NewSensors(proximityPath, alsPath string, coveredThreshold uint32) *Sensors {
	return &Sensors{
		proximityPath: proximityPath,
		alsPath:       alsPath,
		covered:       coveredThreshold,
	}
}

func (s *Sensors) Proximity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProximity
}

func (s *Sensors) AmbientLight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLux
}

func (s *Sensors) Subscribe(onProximity func(covered bool), onAmbientLight func(lux int)) (cancel func()) {
	s.mu.Lock()
	if onProximity != nil {
		s.onProximity = append(s.onProximity, onProximity)
	}
	if onAmbientLight != nil {
		s.onAmbient = append(s.onAmbient, onAmbientLight)
	}
	s.mu.Unlock()
	return func() {}
}

// SetEnabled starts or stops the polling goroutine; the DSM calls this with
// false once LATE suspend is in effect (§4.8 STAY_POWER_OFF) so the sensors
// are not kept spinning while the device is fully asleep.
func (s *Sensors) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled == s.enabled {
		return
	}
	s.enabled = enabled
	if enabled {
		s.stop = make(chan struct{})
		go s.poll(s.stop)
	} else if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Sensors) poll(stop chan struct{}) {
	const period = 500 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.readProximity()
			s.readAmbient()
		}
	}
}

func (s *Sensors) readProximity() {
	if s.proximityPath == "" {
		return
	}
	v, ok := readUint(s.proximityPath)
	if !ok {
		return
	}
	covered := v >= s.covered
	s.mu.Lock()
	changed := covered != s.lastProximity
	s.lastProximity = covered
	fns := append([]func(bool){}, s.onProximity...)
	s.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(covered)
		}
	}
}

func (s *Sensors) readAmbient() {
	if s.alsPath == "" {
		return
	}
	v, ok := readUint(s.alsPath)
	if !ok {
		return
	}
	lux := int(v)
	s.mu.Lock()
	changed := lux != s.lastLux
	s.lastLux = lux
	fns := append([]func(int){}, s.onAmbient...)
	s.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(lux)
		}
	}
}

func readUint(path string) (uint32, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
