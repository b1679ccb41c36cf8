// Package logging sets up this module's structured logger. It replaces
// the teacher's bare log.Printf + custom io.Writer shim
// (sbusso-tgres/cluster's "type logger struct{}" feeding
// memberlist.Config.LogOutput) with github.com/hashicorp/go-hclog,
// named per subsystem the same way the teacher's shim fed one writer
// into memberlist.
package logging

import (
	"io"
	"os"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
)

// New builds the root logger for the process at the given level
// ("trace","debug","info","warn","error"), writing to w (os.Stderr if
// nil).
func New(level string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "sheepdog",
		Level: hclog.LevelFromString(strings.ToUpper(level)),
		Output: w,
	})
}

// DriverWriter adapts an hclog.Logger into the io.Writer the cluster
// driver's underlying library expects for its own internal log lines
// (memberlist.Config.LogOutput), the structured equivalent of the
// teacher's "type logger struct{}" shim. Lines containing "[DEBUG]" are
// routed to Debug, everything else to Info, mirroring the teacher's
// "ignore [DEBUG] at Info level" filter but through a real level
// instead of dropping the line.
type DriverWriter struct {
	Logger hclog.Logger
}

func (w *DriverWriter) Write(b []byte) (int, error) {
	s := strings.TrimRight(string(b), "\n")
	if strings.Contains(s, "[DEBUG]") {
		w.Logger.Debug(s)
	} else {
		w.Logger.Info(s)
	}
	return len(b), nil
}
