// Package zap adapts a zap logger to kvlayer.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/kvlayer"
)

var _ kvlayer.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func (z Logger) Debug(msg string, f kvlayer.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f kvlayer.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f kvlayer.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f kvlayer.Fields) { z.L.Error(msg, fields(f)...) }

// fields emits keys in sorted order so identical events encode identically.
func fields(f kvlayer.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	ks := make([]string, 0, len(f))
	for k := range f {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]zap.Field, 0, len(f))
	for _, k := range ks {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
