package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ MetricsRecorder       = NopMetricsRecorder{}
	_ ConfigProvider        = (*CfgxConfigProvider)(nil)
	_ OptionsResolver       = GoOptionsResolver{}
	_ ServiceErrorConverter = (*APIError)(nil)
	_ ServiceErrorConverter = (*DeserializationError)(nil)
	_ Body                  = jsonBody{}
	_ Body                  = rawBody{}
	_ Body                  = multipartBody{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
