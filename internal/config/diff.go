package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level, session options and profile changes take effect without a
// restart: the log level immediately, the others with the next session.
// Everything else is reported in RestartRequired by section key.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when model, voice, modalities, transcription
	// toggles or the instruction override changed.
	SessionChanged bool

	// ProfileChanged is set when the user or any dog changed.
	ProfileChanged bool
	DogsAdded      []string
	DogsRemoved    []string

	// RestartRequired lists changed keys that only apply at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.ProfileChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}

	was, ns := old.Session, new.Session
	if was.Provider != ns.Provider || !slices.Equal(was.Fallback, ns.Fallback) {
		d.RestartRequired = append(d.RestartRequired, "session.provider")
	}
	if was.APIKey != ns.APIKey || was.BaseURL != ns.BaseURL || was.APIVersion != ns.APIVersion ||
		was.SetupTimeout != ns.SetupTimeout {
		d.RestartRequired = append(d.RestartRequired, "session.connection")
	}
	if was.OpenAI != ns.OpenAI {
		d.RestartRequired = append(d.RestartRequired, "session.openai")
	}
	if was.Model != ns.Model || was.Voice != ns.Voice ||
		was.SystemInstruction != ns.SystemInstruction ||
		!slices.Equal(was.ResponseModalities, ns.ResponseModalities) ||
		!equalFlag(was.CaptureUserTranscript, ns.CaptureUserTranscript) ||
		!equalFlag(was.CaptureModelTranscript, ns.CaptureModelTranscript) {
		d.SessionChanged = true
	}

	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Retry != new.Retry {
		d.RestartRequired = append(d.RestartRequired, "retry")
	}

	diffProfile(&d, old.Profile, new.Profile)
	return d
}

// diffProfile compares the profile sections, tracking dogs by name.
func diffProfile(d *ConfigDiff, old, new ProfileConfig) {
	if old.UserName != new.UserName || old.Language != new.Language {
		d.ProfileChanged = true
	}

	oldDogs := make(map[string]DogConfig, len(old.Dogs))
	for _, dog := range old.Dogs {
		oldDogs[dog.Name] = dog
	}
	newDogs := make(map[string]DogConfig, len(new.Dogs))
	for _, dog := range new.Dogs {
		newDogs[dog.Name] = dog
		if _, ok := oldDogs[dog.Name]; !ok {
			d.DogsAdded = append(d.DogsAdded, dog.Name)
		}
	}
	for _, dog := range old.Dogs {
		n, ok := newDogs[dog.Name]
		if !ok {
			d.DogsRemoved = append(d.DogsRemoved, dog.Name)
			continue
		}
		if n != dog {
			d.ProfileChanged = true
		}
	}
	if len(d.DogsAdded) > 0 || len(d.DogsRemoved) > 0 {
		d.ProfileChanged = true
	}
}

func equalFlag(a, b *bool) bool {
	return (a == nil || *a) == (b == nil || *b)
}
