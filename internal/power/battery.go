package power

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/neos_updater/internal/logctx"
)

// Source exposes the battery telemetry the admission predicate needs.
type Source interface {
	// Capacity returns the battery charge percentage.
	Capacity() int
	// CurrentNow returns the instantaneous current reading. Negative values
	// mean the device is effectively on external power.
	CurrentNow() int
	// Override reports whether the no-battery override is set.
	Override() bool
}

// SysfsSource reads battery telemetry from the kernel power-supply class and
// the override from a param file whose contents are "1" when set.
type SysfsSource struct {
	CapacityPath string
	CurrentPath  string
	OverridePath string
}

func (s *SysfsSource) Capacity() int {
	return readInt(s.CapacityPath)
}

func (s *SysfsSource) CurrentNow() int {
	return readInt(s.CurrentPath)
}

func (s *SysfsSource) Override() bool {
	data, err := os.ReadFile(s.OverridePath)
	if err != nil {
		return false
	}

	return readIntString(string(data)) == 1
}

func readInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	return readIntString(string(data))
}

func readIntString(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}

	return n
}

// Admissible is the battery admission predicate. The formula is preserved
// exactly from the device policy: full capacity floor when unplugged, a lower
// floor when the current reading says the device is on external power, and an
// unconditional override for battery-less installs.
func Admissible(capacityPct, currentNow int, override bool, capacityFloor, chargingFloor int) bool {
	return override || capacityPct > capacityFloor || (currentNow < 0 && capacityPct > chargingFloor)
}

// Gate blocks the pipeline until the battery admits a destructive step.
type Gate struct {
	source        Source
	capacityFloor int
	chargingFloor int
	pollInterval  time.Duration
}

func NewGate(source Source, capacityFloor, chargingFloor int, pollInterval time.Duration) *Gate {
	return &Gate{
		source:        source,
		capacityFloor: capacityFloor,
		chargingFloor: chargingFloor,
		pollInterval:  pollInterval,
	}
}

// CanProceed evaluates the admission predicate against the current telemetry.
func (g *Gate) CanProceed() bool {
	return Admissible(g.source.Capacity(), g.source.CurrentNow(), g.source.Override(), g.capacityFloor, g.chargingFloor)
}

// Wait blocks until the admission predicate passes, sampling once per poll
// interval and reporting each capacity sample through report. The wait is
// unbounded; only context cancellation (process shutdown) interrupts it.
func (g *Gate) Wait(ctx context.Context, report func(capacityPct int)) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("waiting for battery", "capacity_floor", g.capacityFloor)

	for !g.CanProceed() {
		if report != nil {
			report(g.source.Capacity())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.pollInterval):
		}
	}

	logger.Info("battery admits update", "capacity", g.source.Capacity())
}
