// Package fsll implements a doubly linked list whose nodes are
// directories and whose pointers are symlinks named "next" and "prev".
// The list's head and tail are two named symlinks in a parent
// directory. Representing the list this way makes the LRU state
// crash-consistent and inspectable without any in-memory index.
//
// Every function here is safe to call concurrently only to the extent
// that its caller serializes access; fsll performs no locking of its
// own. The cache engine in internal/cacheengine is the sole caller and
// holds a single mutex around every sequence of fsll calls.
package fsll

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/wfraser/backfsd/pkg/backfslog"
)

var log = backfslog.New("fsll")

// GetLink reads the symlink base/name and returns its target. It
// returns ("", false) if the link does not exist; ENOENT and ENOTDIR
// are both treated as "absent" rather than errors.
func GetLink(base, name string) (string, bool) {
	path := filepath.Join(base, name)
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return "", false
		}
		log.Error("readlink(%s): %v", path, err)
		return "", false
	}
	return target, true
}

// MakeLink unlinks any existing base/name and, if target is non-empty,
// creates a new symlink base/name -> target. Passing an empty target
// clears the link.
func MakeLink(base, name, target string) {
	path := filepath.Join(base, name)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("unlink(%s): %v", path, err)
		return
	}

	if target == "" {
		return
	}

	if err := os.Symlink(target, path); err != nil {
		log.Error("symlink(%s -> %s): %v", path, target, err)
	}
}

// Exists reports whether base/name exists. If name is empty, base
// itself is checked.
func Exists(base, name string) bool {
	path := base
	if name != "" {
		path = filepath.Join(base, name)
	}
	_, err := os.Lstat(path)
	return err == nil
}

// MakeEntry creates a fresh, empty directory at parent/<number> (mode
// 0700) and returns its path. No next/prev links are set; the caller
// must insert it into a list.
func MakeEntry(parent string, number uint64) (string, error) {
	path := filepath.Join(parent, strconv.FormatUint(number, 10))
	if err := os.Mkdir(path, 0700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", path, err)
	}
	return path, nil
}

// NumberOf decodes the trailing decimal digits of a node path, e.g.
// ".../buckets/42" -> 42. It returns an error if the final path element
// has no trailing digits at all, so "not found" can never be confused
// with a node legitimately numbered 0.
func NumberOf(path string) (uint64, error) {
	base := filepath.Base(path)
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	if i == len(base) {
		return 0, fmt.Errorf("fsll: no numeric suffix in path %q", path)
	}
	n, err := strconv.ParseUint(base[i:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fsll: no numeric suffix in path %q: %w", path, err)
	}
	return n, nil
}

// InsertAsHead splices a detached node into the list at the head. It
// assumes the node's own prev/next links are absent (i.e. it is not
// already part of any list).
func InsertAsHead(base, path, head, tail string) {
	h, hOK := GetLink(base, head)
	t, tOK := GetLink(base, tail)

	switch {
	case !hOK && !tOK:
		MakeLink(base, head, path)
		MakeLink(base, tail, path)
		MakeLink(path, "next", "")
		MakeLink(path, "prev", "")
	case hOK && tOK:
		MakeLink(path, "next", h)
		MakeLink(h, "prev", path)
		MakeLink(base, head, path)
	default:
		if hOK {
			log.Error("list has a head (%s) but no tail", h)
		}
		if tOK {
			log.Error("list has a tail (%s) but no head", t)
		}
	}
}

// InsertAsTail splices a detached node into the list at the tail.
func InsertAsTail(base, path, head, tail string) {
	h, hOK := GetLink(base, head)
	t, tOK := GetLink(base, tail)

	switch {
	case !hOK && !tOK:
		MakeLink(base, head, path)
		MakeLink(base, tail, path)
		MakeLink(path, "next", "")
		MakeLink(path, "prev", "")
	case hOK && tOK:
		MakeLink(path, "prev", t)
		MakeLink(t, "next", path)
		MakeLink(base, tail, path)
	default:
		if hOK {
			log.Error("list has a head (%s) but no tail", h)
		}
		if tOK {
			log.Error("list has a tail (%s) but no head", t)
		}
	}
}

// Disconnect removes path from the list, relinking its neighbors and
// fixing the head/tail anchors if path was an endpoint. The node's own
// prev/next links are cleared on return.
func Disconnect(base, path, head, tail string) {
	h, _ := GetLink(base, head)
	t, _ := GetLink(base, tail)
	n, nOK := GetLink(path, "next")
	p, pOK := GetLink(path, "prev")

	if h == path {
		if !nOK {
			if t == path {
				MakeLink(base, tail, "")
			} else {
				log.Error("entry has no next but is not tail: %s", path)
			}
		} else {
			MakeLink(base, head, n)
			MakeLink(n, "prev", "")
		}
	}

	if t == path {
		if !pOK {
			if h == path {
				MakeLink(base, head, "")
			} else {
				log.Error("entry has no prev but is not head: %s", path)
			}
		} else {
			MakeLink(base, tail, p)
			MakeLink(p, "next", "")
		}
	}

	if nOK && pOK {
		MakeLink(n, "prev", p)
		MakeLink(p, "next", n)
	}

	MakeLink(path, "next", "")
	MakeLink(path, "prev", "")
}

// ToHead moves an existing list member to the head position. It
// refuses to act (logging instead) if the node's prev/next links are
// inconsistent with its current head/tail membership, rather than
// amplify whatever corruption triggered the inconsistency.
func ToHead(base, path, head, tail string) {
	h, hOK := GetLink(base, head)
	t, tOK := GetLink(base, tail)
	n, nOK := GetLink(path, "next")
	p, pOK := GetLink(path, "prev")

	if pOK == (h == path) {
		if pOK {
			log.Error("head entry has a prev: %s", path)
		} else {
			log.Error("entry has no prev but is not head: %s", path)
		}
		Dump(base, head, tail)
		return
	}

	if nOK == (t == path) {
		if nOK {
			log.Error("tail entry has a next: %s", path)
		} else {
			log.Error("entry has no next but is not tail: %s", path)
		}
		Dump(base, head, tail)
		return
	}

	if nOK && n == path {
		log.Error("entry points to itself as next: %s", path)
		return
	}
	if pOK && p == path {
		log.Error("entry points to itself as prev: %s", path)
		return
	}

	if !hOK {
		log.Error("ToHead: no head found")
		Dump(base, head, tail)
		return
	}
	if !tOK {
		log.Error("ToHead: no tail found")
		Dump(base, head, tail)
		return
	}

	if !pOK {
		// already head
		return
	}
	MakeLink(p, "next", n)

	if nOK {
		MakeLink(n, "prev", p)
	} else {
		MakeLink(base, tail, p)
	}

	MakeLink(h, "prev", path)
	MakeLink(path, "next", h)
	MakeLink(path, "prev", "")
	MakeLink(base, head, path)

	Dump(base, head, tail)
}
