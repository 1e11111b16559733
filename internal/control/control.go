// Package control parses writes to the virtual /.backfs_control file
// and dispatches them into the cache engine.
package control

import (
	"strings"
	"syscall"

	"github.com/wfraser/backfsd/internal/cacheengine"
	"github.com/wfraser/backfsd/pkg/backfslog"
)

var log = backfslog.New("control")

// Handler dispatches control-channel commands into an Engine.
type Handler struct {
	engine *cacheengine.Engine
}

// New creates a Handler bound to engine.
func New(engine *cacheengine.Engine) *Handler {
	return &Handler{engine: engine}
}

// Handle parses and executes one command line written to
// /.backfs_control. The trailing newline, if any, is optional.
func (h *Handler) Handle(line string) error {
	line = strings.TrimRight(line, "\n")
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]

	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "test":
		// A sentinel errno that lets a test harness verify the control
		// channel is wired up at all.
		return syscall.EXDEV

	case "noop":
		return nil

	case "invalidate":
		if arg == "" {
			return syscall.EINVAL
		}
		log.Info("control: invalidate %s", arg)
		return h.engine.InvalidateFile(arg)

	case "free_orphans":
		log.Info("control: free_orphans")
		return h.engine.FreeOrphanBuckets()

	default:
		log.Warn("control: unknown command %q", cmd)
		return syscall.EBADMSG
	}
}
