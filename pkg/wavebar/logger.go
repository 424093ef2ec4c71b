package wavebar

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arran-nz/wavebar/pkg/wavebar/util"
)

const (
	buildTypeNone    = ""
	buildTypeDev     = "dev"
	buildTypeRelease = "release"

	logDirectory = "logs"
	logFilename  = "wavebar-latest-run.log"
)

// componentFilterCore drops entries whose logger name matches none of the
// requested components. "capture,graph" shows both the capture session and
// the graph subscription, which is usually what you want when a visualizer
// stays blank.
type componentFilterCore struct {
	zapcore.Core
	components []string
}

func newComponentFilterCore(core zapcore.Core, filter string) *componentFilterCore {
	var components []string
	for _, part := range strings.Split(filter, ",") {
		if part = strings.TrimSpace(part); part != "" {
			components = append(components, part)
		}
	}

	return &componentFilterCore{Core: core, components: components}
}

func (f *componentFilterCore) matches(loggerName string) bool {
	if len(f.components) == 0 {
		return true
	}

	for _, component := range f.components {
		if strings.Contains(loggerName, component) {
			return true
		}
	}

	return false
}

// Check implements zapcore.Core
func (f *componentFilterCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !f.matches(entry.LoggerName) {
		return ce
	}

	return f.Core.Check(entry, ce)
}

// With implements zapcore.Core, keeping the component list on child loggers
func (f *componentFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentFilterCore{
		Core:       f.Core.With(fields),
		components: f.components,
	}
}

// NewLogger provides a logger instance for the whole program
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	return NewLoggerWithFilter(buildType, "")
}

// NewLoggerWithFilter provides a logger that only emits entries from the
// comma-separated components in logFilter (all components when empty)
func NewLoggerWithFilter(buildType string, logFilter string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("15:04:05.000"))
	}
	loggerConfig.EncoderConfig.EncodeName = func(s string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-20s", s))
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	if logFilter != "" {
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return newComponentFilterCore(c, logFilter)
		}))
	}

	return logger.Sugar(), nil
}
