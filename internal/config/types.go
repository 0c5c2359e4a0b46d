package config

// Config is the root configuration document.
//
// Files may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown keys are rejected in both formats. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Recorder  RecorderConfig  `json:"recorder"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Limits    LimitsConfig    `json:"limits"`
	Notify    NotifyConfig    `json:"notify"`
	Publish   PublishConfig   `json:"publish"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerID has no access restrictions and no daily limits.
	OwnerID int64 `json:"owner_id"`
	// GroupID is the only chat where non-owner users may submit jobs.
	GroupID int64 `json:"group_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// RecorderConfig controls the capture pipeline.
//
// Defaults (when fields are omitted/zero):
//   - download_dir: "./data/downloads"
//   - ffmpeg_bin: "ffmpeg", ffprobe_bin: "ffprobe"
//   - output_container: "mkv"
//   - part_max_bytes: 2e9 (split before ~2GB)
//   - stop_grace: "5s"
//   - progress_interval: "2s"
//   - reconnect_max: 5 within reconnect_window "10m"
//   - reconnect_delay: "3s"
//   - launch_retry_max: 3
type RecorderConfig struct {
	DownloadDir     string `json:"download_dir,omitempty"`
	FFmpegBin       string `json:"ffmpeg_bin,omitempty"`
	FFprobeBin      string `json:"ffprobe_bin,omitempty"`
	OutputContainer string `json:"output_container,omitempty"`

	PartMaxBytes int64 `json:"part_max_bytes,omitempty"`

	StopGrace        string `json:"stop_grace,omitempty"`
	ProgressInterval string `json:"progress_interval,omitempty"`

	ReconnectMax    int    `json:"reconnect_max,omitempty"`
	ReconnectWindow string `json:"reconnect_window,omitempty"`
	ReconnectDelay  string `json:"reconnect_delay,omitempty"`
	LaunchRetryMax  int    `json:"launch_retry_max,omitempty"`

	// Proxy is the default HTTP proxy passed to ffmpeg. The runtime value can
	// be changed via /proxy and is persisted in storage; this is the fallback.
	Proxy string `json:"proxy,omitempty"`
}

type QueueConfig struct {
	// MaxConcurrent caps jobs in RUNNING/RECONNECTING/SPLITTING. Default 3.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

type SchedulerConfig struct {
	// SweepInterval bounds how late a due job can be submitted. Default "15s".
	SweepInterval string `json:"sweep_interval,omitempty"`
	// Timezone for user-facing schedule times and the daily limit reset.
	Timezone string `json:"timezone,omitempty"`
}

type LimitsConfig struct {
	// PremiumDaily / TrialDaily cap recorded time per day. Defaults "6h" / "3h".
	PremiumDaily string `json:"premium_daily,omitempty"`
	TrialDaily   string `json:"trial_daily,omitempty"`
	// ResetTime is HH:MM local time (scheduler.timezone) for the daily reset.
	ResetTime string `json:"reset_time,omitempty"`
}

type NotifyConfig struct {
	// EditInterval throttles progress-message edits per job. Default "2s".
	EditInterval string `json:"edit_interval,omitempty"`
}

type PublishConfig struct {
	RetryMax int `json:"retry_max,omitempty"`
	// DeleteAfterPublish removes the local part file once the upload is acked.
	DeleteAfterPublish *bool `json:"delete_after_publish,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
