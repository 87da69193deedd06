// Package klog is the kernel's structured logging sink: a
// logrus.Logger pointed at a fixed-capacity circbuf.Circbuf_t ring so a
// crash handler can recover the last N bytes of log output even after
// whatever sink backs normal output (a serial console, a file) has
// stopped accepting writes. Grounded on the teacher's
// jesseduffield-lazydocker sibling's pkg/log/log.go
// (newDevelopmentLogger/newProductionLogger split, JSON formatter,
// LOG_LEVEL-driven level), generalized from an interactive TUI's debug
// toggle to a kernel's boot-time/production split — and on
// original_source's separate boot-time klog ring buffer, whose
// bounded-tail idea this ring reproduces without literally being the
// same subsystem (that klog is an external collaborator per spec.md
// §1, not a MODULE to implement).
package klog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"circbuf"
)

// / Config selects klog's verbosity and ring size. A caller
// / (cmd/kernelsim) builds one from kconfig's LogLevel and LogRingSize.
type Config struct {
	// / Level is the minimum severity that reaches Out. Debug-level
	// / detail still always reaches the ring, the way the teacher's
	// / development logger always logs more than production needs.
	Level logrus.Level
	// / RingSize bounds the crash-time tail buffer's capacity in bytes.
	RingSize int
	// / Out is where formatted log lines are written in addition to the
	// / ring. Defaults to os.Stderr if nil, matching the teacher's
	// / production logger discarding nothing critical.
	Out io.Writer
}

// / Logger wraps a *logrus.Logger with the crash-time ring every
// / record also lands in.
type Logger struct {
	*logrus.Logger
	ring *circbuf.Circbuf_t
}

// / ringHook mirrors every formatted log entry into a Logger's ring,
// / and forwards it to out only when it is at or above level, so Tail
// / reflects exactly what was logged regardless of Level filtering.
type ringHook struct {
	ring  *circbuf.Circbuf_t
	out   io.Writer
	level logrus.Level
}

func (h *ringHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *ringHook) Fire(e *logrus.Entry) error {
	line, err := e.Logger.Formatter.Format(e)
	if err != nil {
		return err
	}
	_, werr := h.ring.Write(line)
	if werr == nil && e.Level <= h.level {
		_, werr = h.out.Write(line)
	}
	return werr
}

// / New builds a Logger per cfg. A nil cfg.Out defaults to os.Stderr; a
// / zero cfg.RingSize defaults to 64KiB, generous enough to survive a
// / burst of Debug-level chatter right before a crash.
func New(cfg Config) *Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	ringSize := cfg.RingSize
	if ringSize == 0 {
		ringSize = 64 * 1024
	}

	// The logger itself passes every level so Debug lines reach the
	// ring; ringHook applies cfg.Level to out.
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.TraceLevel)
	log.SetFormatter(&logrus.JSONFormatter{})

	var ring circbuf.Circbuf_t
	ring.Init(ringSize)
	log.AddHook(&ringHook{ring: &ring, out: out, level: cfg.Level})

	return &Logger{Logger: log, ring: &ring}
}

// / Tail returns a copy of the most recent log output, oldest byte
// / first, regardless of what Level filtered out of the normal sink.
func (l *Logger) Tail() []byte { return l.ring.Tail() }

// / Crash logs msg at Error level (so it reaches both the normal sink
// / and the ring) and returns the ring's full tail, for a caller that
// / wants to dump recent history to a panic handler or a crash report
// / without logrus's own os.Exit(1) terminating the process first (that
// / termination decision belongs to the caller, e.g. cmd/kernelsim's
// / top-level recover).
func (l *Logger) Crash(msg string, fields logrus.Fields) []byte {
	l.WithFields(fields).Error(msg)
	return l.Tail()
}
