package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the capture device
// (applied via a device switch) and the wake decision thresholds (read per
// utterance). Everything else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InputDeviceChanged bool
	NewInputDevice     string

	WakeupChanged bool
	NewWakeup     WakeupConfig

	DetectionChanged bool
	NewDetection     DetectionConfig
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.InputDeviceChanged || d.WakeupChanged || d.DetectionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.InputDevice != new.Audio.InputDevice {
		d.InputDeviceChanged = true
		d.NewInputDevice = new.Audio.InputDevice
	}

	if old.Wakeup != new.Wakeup {
		d.WakeupChanged = true
		d.NewWakeup = new.Wakeup
	}

	if old.Detection != new.Detection {
		d.DetectionChanged = true
		d.NewDetection = new.Detection
	}

	return d
}
