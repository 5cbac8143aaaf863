package observability

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalLogger adapts zerolog to the Temporal SDK logger. Workflow and activity
// loggers obtained through workflow.GetLogger and activity.GetLogger write through
// it, so SDK tags such as WorkflowID and ActivityType become snake_case fields
// consistent with the rest of the service logs.
type TemporalLogger struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*TemporalLogger)(nil)
	_ log.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger creates a TemporalLogger with "component":"temporal".
func NewTemporalLogger(logger zerolog.Logger) *TemporalLogger {
	return &TemporalLogger{logger: logger.With().Str("component", "temporal").Logger()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.write(l.logger.Debug(), msg, keyvals)
}

func (l *TemporalLogger) Info(msg string, keyvals ...interface{}) {
	l.write(l.logger.Info(), msg, keyvals)
}

func (l *TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.write(l.logger.Warn(), msg, keyvals)
}

func (l *TemporalLogger) Error(msg string, keyvals ...interface{}) {
	l.write(l.logger.Error(), msg, keyvals)
}

// With returns a logger that adds keyvals to every entry.
func (l *TemporalLogger) With(keyvals ...interface{}) log.Logger {
	ctx := l.logger.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ctx = ctx.Interface(fieldName(keyvals[i]), keyvals[i+1])
	}
	return &TemporalLogger{logger: ctx.Logger()}
}

func (l *TemporalLogger) write(evt *zerolog.Event, msg string, keyvals []interface{}) {
	if evt == nil {
		return
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fieldName(keyvals[i])
		if err, ok := keyvals[i+1].(error); ok {
			evt = evt.AnErr(key, err)
			continue
		}
		evt = evt.Interface(key, keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		evt = evt.Interface("extra", keyvals[len(keyvals)-1])
	}
	evt.Msg(msg)
}

// fieldName converts SDK tags like "WorkflowID" or "workflowType" to snake_case.
func fieldName(key interface{}) string {
	s, ok := key.(string)
	if !ok {
		s = fmt.Sprintf("%v", key)
	}

	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
