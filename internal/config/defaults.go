package config

const (
	defaultDataDir                = "~/.local/share/bundlebridge"
	defaultBundleDir              = "~/.local/share/bundlebridge/bundles"
	defaultExtractDir             = "~/.local/share/bundlebridge/extract"
	defaultInboxDir               = "~/.local/share/bundlebridge/inbox"
	defaultLogDir                 = "~/.local/share/bundlebridge/logs"
	defaultAPIBind                = "127.0.0.1:7490"
	defaultRateLimitMax           = 10
	defaultRateLimitWindowSeconds = 300
	defaultSessionTTLHours        = 12
	defaultTargetAuthMode         = "password"
	defaultTargetRequestTimeout   = 30
	defaultCaptureBind            = "127.0.0.1:7491"
	defaultMarketplaceHost        = "envato.com"
	defaultWaitWindowSeconds      = 30
	defaultFreshSeconds           = 60
	defaultCaptureTTLSeconds      = 300
	defaultSweepIntervalSeconds   = 60
	defaultMaxPages               = 512
	defaultSessionMaxAgeHours     = 12
	defaultDownloadTimeoutSeconds = 300
	defaultMaxRedirects           = 10
	defaultMinBundleBytes         = 100
	defaultUserAgent              = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	defaultPlatformSiteName       = "bundlebridge"
	defaultPlatformVersion        = "1.0.0"
	defaultCLICommand             = "wp"
	defaultCLITimeoutSeconds      = 600
	defaultKeyPrefix              = "bk"
	defaultKeyVersion             = 1
	defaultNotifyRequestTimeout   = 10
	defaultPollIntervalSeconds    = 5
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

var (
	defaultKitArgs  = []string{"elementor", "kit", "import", "{bundle}", "--path={install}", "--allow-root"}
	defaultItemArgs = []string{"elementor", "library", "import", "{bundle}", "--path={install}", "--allow-root"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			BundleDir:  defaultBundleDir,
			ExtractDir: defaultExtractDir,
			InboxDir:   defaultInboxDir,
			LogDir:     defaultLogDir,
		},
		API: API{
			Bind:                   defaultAPIBind,
			RateLimitMax:           defaultRateLimitMax,
			RateLimitWindowSeconds: defaultRateLimitWindowSeconds,
			SessionTTLHours:        defaultSessionTTLHours,
		},
		Target: Target{
			AuthMode:       defaultTargetAuthMode,
			RequestTimeout: defaultTargetRequestTimeout,
		},
		Capture: Capture{
			Bind:                 defaultCaptureBind,
			MarketplaceHost:      defaultMarketplaceHost,
			WaitWindowSeconds:    defaultWaitWindowSeconds,
			FreshSeconds:         defaultFreshSeconds,
			CaptureTTLSeconds:    defaultCaptureTTLSeconds,
			SweepIntervalSeconds: defaultSweepIntervalSeconds,
			MaxPages:             defaultMaxPages,
			SessionMaxAgeHours:   defaultSessionMaxAgeHours,
		},
		Ingest: Ingest{
			AutoImport:             true,
			KeepBundle:             true,
			DownloadTimeoutSeconds: defaultDownloadTimeoutSeconds,
			MaxRedirects:           defaultMaxRedirects,
			MinBundleBytes:         defaultMinBundleBytes,
			UserAgent:              defaultUserAgent,
		},
		Platform: Platform{
			SiteName:        defaultPlatformSiteName,
			Version:         defaultPlatformVersion,
			RenderingPlugin: true,
		},
		CLI: CLI{
			Enabled:        true,
			Command:        defaultCLICommand,
			KitArgs:        append([]string(nil), defaultKitArgs...),
			ItemArgs:       append([]string(nil), defaultItemArgs...),
			TimeoutSeconds: defaultCLITimeoutSeconds,
		},
		Storage: Storage{
			KeyPrefix:  defaultKeyPrefix,
			KeyVersion: defaultKeyVersion,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Completed:      true,
			Failed:         true,
		},
		Workflow: Workflow{
			PollIntervalSeconds: defaultPollIntervalSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
