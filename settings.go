package worker

import (
	"strings"
)

// WorkerLogLevel is the log level requested by the controller.
type WorkerLogLevel string

const (
	WorkerLogLevelDebug WorkerLogLevel = "debug"
	WorkerLogLevelWarn  WorkerLogLevel = "warn"
	WorkerLogLevelError WorkerLogLevel = "error"
	WorkerLogLevelNone  WorkerLogLevel = "none"
)

// Settings are the worker process settings, populated from argv at boot and
// updated at runtime via "worker.updateSettings".
type Settings struct {
	LogLevel   WorkerLogLevel `json:"logLevel,omitempty"`
	LogTags    []string       `json:"logTags,omitempty"`
	RtcIPv4    string         `json:"rtcIPv4,omitempty"`
	RtcIPv6    string         `json:"rtcIPv6,omitempty"`
	RtcMinPort uint16         `json:"rtcMinPort,omitempty"`
	RtcMaxPort uint16         `json:"rtcMaxPort,omitempty"`
}

// NewSettings parses "--key=value" style process arguments.
func NewSettings(args []string) (*Settings, error) {
	settings := &Settings{
		LogLevel: WorkerLogLevelError,
	}

	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			return nil, NewProtocolError("invalid argument %q", arg)
		}
		key, value, _ := strings.Cut(arg[2:], "=")

		switch key {
		case "logLevel":
			settings.LogLevel = WorkerLogLevel(value)
		case "logTags":
			settings.LogTags = append(settings.LogTags, value)
		case "rtcIPv4":
			settings.RtcIPv4 = value
		case "rtcIPv6":
			settings.RtcIPv6 = value
		default:
			return nil, NewProtocolError("unknown argument %q", arg)
		}
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}

	SetLoggerLevel(settings.LogLevel)

	return settings, nil
}

func (s *Settings) validate() error {
	switch s.LogLevel {
	case WorkerLogLevelDebug, WorkerLogLevelWarn, WorkerLogLevelError, WorkerLogLevelNone:
		return nil
	default:
		return NewProtocolError("invalid logLevel %q", s.LogLevel)
	}
}

// HandleUpdateRequest applies "worker.updateSettings": the request body is
// override-merged into the current settings.
func (s *Settings) HandleUpdateRequest(request *Request) {
	var update Settings
	if err := request.UnmarshalData(&update); err != nil {
		request.Reject(err)
		return
	}
	if update.LogLevel != "" {
		if err := update.validate(); err != nil {
			request.Reject(err)
			return
		}
	}

	if err := override(s, update); err != nil {
		request.Reject(NewProtocolError("cannot apply settings: %s", err))
		return
	}

	SetLoggerLevel(s.LogLevel)

	request.Accept(nil)
}
