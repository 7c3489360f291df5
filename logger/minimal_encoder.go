package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	colorTime      = "\x1b[38;5;107m" // mid green
	colorComponent = "\x1b[38;5;208m" // orange
	colorKey       = "\x1b[38;5;245m" // grey
	colorWarn      = "\x1b[38;5;179m"
	colorWarnBg    = "\x1b[48;5;58m"
	colorError     = "\x1b[38;5;167m"
	colorErrorBg   = "\x1b[48;5;52m"
)

var pool = buffer.NewPool()

// minimalEncoder is a compact console encoder for interactive use:
//
//	13:04:35  WARN  c.contract  Mutation rejected  entity_id=c-1 error=conflict
//
// Every field is printed as key=value. Fields attached with With are
// printed first, sorted by key.
type minimalEncoder struct {
	*zapcore.MapObjectEncoder
	color bool
}

func newMinimalEncoder() *minimalEncoder {
	return &minimalEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder(), color: true}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	clone := &minimalEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder(), color: enc.color}
	for k, v := range enc.Fields {
		clone.Fields[k] = v
	}
	return clone
}

func (enc *minimalEncoder) paint(color, s string) string {
	if !enc.color || color == "" {
		return s
	}
	return color + s + colorReset
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	out := pool.Get()

	out.AppendString(enc.paint(colorTime, ent.Time.Format("15:04:05")))
	if lvl := enc.level(ent.Level); lvl != "" {
		out.AppendString("  ")
		out.AppendString(lvl)
	}
	if ent.LoggerName != "" {
		out.AppendString("  ")
		out.AppendString(enc.paint(colorComponent, abbreviateName(ent.LoggerName)))
	}
	out.AppendString("  ")
	out.AppendString(ent.Message)

	pairs := enc.contextPairs()
	for _, f := range fields {
		pairs = append(pairs, fieldPairs(f)...)
	}
	if len(pairs) > 0 {
		out.AppendString(" ")
		for _, p := range pairs {
			out.AppendString(" ")
			out.AppendString(enc.paint(colorKey, p.key+"="))
			out.AppendString(p.value)
		}
	}

	if ent.Stack != "" {
		out.AppendString("\n")
		out.AppendString(ent.Stack)
	}
	out.AppendString("\n")
	return out, nil
}

func (enc *minimalEncoder) level(l zapcore.Level) string {
	switch {
	case l == zapcore.InfoLevel:
		return ""
	case l == zapcore.DebugLevel:
		return "DEBUG"
	case l == zapcore.WarnLevel:
		return enc.paint(colorBold+colorWarnBg+colorWarn, "WARN")
	default:
		return enc.paint(colorBold+colorErrorBg+colorError, l.CapitalString())
	}
}

type pair struct{ key, value string }

func (enc *minimalEncoder) contextPairs() []pair {
	if len(enc.Fields) == 0 {
		return nil
	}
	return mapPairs(enc.Fields)
}

// fieldPairs renders one field. Skip fields render nothing; verbose error
// details are dropped in favour of the short message.
func fieldPairs(f zapcore.Field) []pair {
	m := zapcore.NewMapObjectEncoder()
	f.AddTo(m)
	return mapPairs(m.Fields)
}

func mapPairs(fields map[string]interface{}) []pair {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.HasSuffix(k, "Verbose") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pair, 0, len(keys))
	for _, k := range keys {
		out = append(out, pair{key: k, value: fmt.Sprintf("%v", fields[k])})
	}
	return out
}

// abbreviateName shortens dotted logger names: crm.contract -> c.contract.
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[0] != "" {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}
