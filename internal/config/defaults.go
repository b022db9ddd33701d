package config

const (
	defaultUploadDir            = "~/.local/share/uploader/files"
	defaultStagingDir           = "~/.local/share/uploader/staging"
	defaultStateDir             = "~/.local/share/uploader/state"
	defaultLogDir               = "~/.local/share/uploader/logs"
	defaultAPIBind              = "127.0.0.1:7488"
	defaultAPIPath              = "/upload"
	defaultMaxFileSize          = "1GiB"
	defaultIdleTimeoutMinutes   = 24 * 60
	defaultSweepIntervalSeconds = 300
	defaultStaleStagingHours    = 72
	defaultNotifyTimeout        = 10
	defaultNotifyRetryMax       = 3
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
)

// DefaultFields returns the field map used by resumable.js clients.
func DefaultFields() Fields {
	return Fields{
		FileName:    "resumableFilename",
		MimeType:    "resumableType",
		TotalSize:   "resumableTotalSize",
		ChunkNumber: "resumableChunkNumber",
		ChunkSize:   "resumableChunkSize",
		TotalChunks: "resumableTotalChunks",
		Content:     "file",
		OnProgress:  "on_progress",
		Session:     "session",
		ChunkExtra:  "chunk_extra",
		FinishExtra: "finish_extra",
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadDir:  defaultUploadDir,
			StagingDir: defaultStagingDir,
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
			APIPath:    defaultAPIPath,
		},
		Upload: Upload{
			MaxFileSize:          defaultMaxFileSize,
			IdleTimeoutMinutes:   defaultIdleTimeoutMinutes,
			SweepIntervalSeconds: defaultSweepIntervalSeconds,
			StaleStagingHours:    defaultStaleStagingHours,
		},
		Fields: DefaultFields(),
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			RetryMax:       defaultNotifyRetryMax,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
