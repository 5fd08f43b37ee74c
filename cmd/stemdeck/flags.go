package main

// Flag names. Flags that shadow a config key are bound to it through viper.
const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
	FlagServer   = "server"
	FlagAPIKey   = "api-key"
	FlagJSON     = "json"

	FlagListen      = "listen"
	FlagEngineMode  = "engine-mode"
	FlagEngineBin   = "engine-binary"
	FlagEngineScr   = "engine-script"
	FlagEngineRt    = "engine-runtime"
	FlagCancelGrace = "cancel-grace"
	FlagStatePath   = "state-path"

	FlagLimit   = "limit"
	FlagCommand = "command"
	FlagStatus  = "status"
	FlagFollow  = "follow"
)

// flagKeys maps flags onto the config keys they override.
var flagKeys = map[string]string{
	FlagLogLevel:    "service.log_level",
	FlagListen:      "api.listen",
	FlagEngineMode:  "engine.mode",
	FlagEngineBin:   "engine.binary",
	FlagEngineScr:   "engine.script",
	FlagEngineRt:    "engine.runtime",
	FlagCancelGrace: "engine.cancel_grace",
	FlagStatePath:   "state.path",
}
