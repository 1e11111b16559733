package fsll

import (
	"path/filepath"

	"github.com/wfraser/backfsd/pkg/backfslog"
)

// Dump walks the list from head to tail and logs it at debug level,
// warning if it finds a loop or if walking from head never reaches the
// recorded tail. It is a no-op unless the debug log level is enabled,
// so production mounts pay nothing for it.
func Dump(base, head, tail string) {
	if backfslog.CurrentLevel() < backfslog.LevelDebug {
		return
	}

	entry, ok := GetLink(base, head)
	if !ok {
		return
	}

	seen := map[string]bool{}
	for {
		seen[entry] = true
		prev, prevOK := GetLink(entry, "prev")
		n, nOK := GetLink(entry, "next")
		log.Debug("%s <- %s -> %s", shortName(prevOK, prev), shortName(true, entry), shortName(nOK, n))

		if nOK && seen[n] {
			log.Error("fsll dump: list has a loop at %s", entry)
			return
		}

		if !nOK {
			break
		}
		entry = n
	}

	if t, tOK := GetLink(base, tail); tOK && entry != t {
		log.Error("fsll dump: list does not end with the recorded tail %s", t)
	}
}

func shortName(ok bool, path string) string {
	if !ok {
		return "(nil)"
	}
	return filepath.Base(path)
}
