//go:build linux

package xdpmux

import "github.com/sirupsen/logrus"

// logger is the package-wide default, overridable with SetLogger. It
// carries a *logrus.Entry field rather than threading a context.Context
// through every call, since composing and attaching dispatchers isn't a
// request-scoped operation.
var logger = logrus.NewEntry(logrus.StandardLogger())

// SetLogger replaces the package-wide default logger used by calls that
// don't pass their own via an Option. Passing nil restores
// logrus.StandardLogger().
func SetLogger(l *logrus.Entry) {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = l
}

// Option configures a single call to Compose or Attach.
type Option func(*options)

type options struct {
	log *logrus.Entry
}

func newOptions(opts []Option) *options {
	o := &options{log: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger overrides the logger used for a single call instead of the
// package-wide default set by SetLogger.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
