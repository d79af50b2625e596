package tftp

import "github.com/sirupsen/logrus"

// NewLogger builds the *logrus.Entry a Client or Server should pass into its
// sessions. Passing nil anywhere a *logrus.Entry is expected falls back to
// logrus.StandardLogger() with no fields attached.
func NewLogger(out *logrus.Logger) *logrus.Entry {
	if out == nil {
		out = logrus.StandardLogger()
	}
	return logrus.NewEntry(out)
}
