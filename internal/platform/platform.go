// Package platform isolates the raw OS invocations the updater needs so the
// pipeline stays testable off-device.
package platform

import (
	"fmt"
	"os/exec"
	"strings"
)

// RebootReason selects how the device comes back up.
type RebootReason int

const (
	// RebootNormal boots back into the regular system.
	RebootNormal RebootReason = iota
	// RebootRecovery boots into the bootloader recovery mode, which consumes
	// the persisted install command.
	RebootRecovery
)

// Platform is the capability surface for power management and settings-app
// launches. Results are best effort; nothing inspects them beyond the error.
type Platform interface {
	RequestReboot(reason RebootReason) error
	OpenSettings(screen string) error
	SettingsActive() bool
}

// Android drives the stock Android service and activity managers.
type Android struct{}

// RequestReboot asks the power manager for a reboot.
// IPowerManager.reboot(confirm=false, reason=..., wait=true).
func (Android) RequestReboot(reason RebootReason) error {
	args := []string{"call", "power", "16", "i32", "0"}

	if reason == RebootRecovery {
		args = append(args, "s16", "recovery", "i32", "1")
	} else {
		args = append(args, "i32", "0", "i32", "1")
	}

	if err := exec.Command("service", args...).Run(); err != nil {
		return fmt.Errorf("failed to request reboot: %w", err)
	}

	return nil
}

// OpenSettings launches a settings sub-screen over the current activity.
func (Android) OpenSettings(screen string) error {
	cmd := exec.Command("am", "start", "-W",
		"--ez", ":settings:show_fragment_as_subsetting", "true",
		"-n", "com.android.settings/."+screen,
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open settings screen %s: %w", screen, err)
	}

	return nil
}

// SettingsActive reports whether a settings window currently holds focus, in
// which case user input belongs to it rather than the updater.
func (Android) SettingsActive() bool {
	out, err := exec.Command("/bin/dumpsys", "window", "windows").Output()
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "mCurrentFocus=null") {
			return false
		}

		if strings.Contains(line, "mCurrentFocus=Window") {
			return true
		}
	}

	return false
}
