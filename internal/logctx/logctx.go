// Package logctx sets up the process-wide logrus logger and the small
// set of per-component field helpers used across bridges, buses and
// drives.
package logctx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Root is the single logrus instance every component logs through.
// Constructed once at process start and torn down last, mirroring the
// singleton construction/destruction ordering the teacher's console
// and VM state followed.
var Root = logrus.New()

func init() {
	Root.SetOutput(os.Stderr)
	Root.SetLevel(logrus.InfoLevel)
	Root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetDebug flips the root logger to debug verbosity, used by the
// operator CLI's --debug flag.
func SetDebug(on bool) {
	if on {
		Root.SetLevel(logrus.DebugLevel)
	} else {
		Root.SetLevel(logrus.InfoLevel)
	}
}

// Bridge returns a logger scoped to one bridge instance.
func Bridge(name string) *logrus.Entry {
	return Root.WithField("bridge", name)
}

// Bus returns a logger scoped to one bus letter.
func Bus(letter byte) *logrus.Entry {
	return Root.WithField("bus", string(letter))
}

// Unit returns a logger scoped to one drive unit on a bus.
func Unit(letter byte, unit int) *logrus.Entry {
	return Root.WithFields(logrus.Fields{"bus": string(letter), "unit": unit})
}
