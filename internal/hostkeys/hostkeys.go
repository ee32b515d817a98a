// Package hostkeys implements a trust-on-first-use host key store.
//
// Fingerprints are recorded per (user, host) in a flat file under
// DATA_DIR/hostkeys/<userID>, one "hostID fingerprint" pair per line. The
// first key observed for a host is trusted and stored; any later mismatch
// is rejected. Jump hops follow the same rules but never surface a browser
// prompt.
package hostkeys

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Decision is the outcome of a host key check.
type Decision int

const (
	// Accept means the key matched the stored fingerprint, or was the
	// first observation and has been recorded.
	Accept Decision = iota
	// Reject means the key differs from the stored fingerprint.
	Reject
)

// Result carries the decision plus enough context for the session to emit
// the right event (host_key_prompt for interactive targets, plain
// host_key_mismatch for jump hops).
type Result struct {
	Decision Decision
	// FirstSeen is true when this verification recorded a new fingerprint.
	FirstSeen bool
	// Stored is the previously recorded fingerprint on mismatch.
	Stored string
	// Presented is the fingerprint the server just offered.
	Presented string
}

// Verifier is the process-wide TOFU store. A per-user mutex serializes file
// access so concurrent sessions for one user cannot interleave writes.
type Verifier struct {
	dir string

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func New(dataDir string) (*Verifier, error) {
	dir := filepath.Join(dataDir, "hostkeys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create hostkeys directory: %w", err)
	}
	return &Verifier{dir: dir, locks: make(map[uint]*sync.Mutex)}, nil
}

func (v *Verifier) userLock(userID uint) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[userID] = l
	}
	return l
}

func (v *Verifier) userFile(userID uint) string {
	return filepath.Join(v.dir, strconv.FormatUint(uint64(userID), 10))
}

// Verify checks the presented fingerprint against the stored one for
// (userID, hostID). First observation stores and accepts. isJumpHop does
// not change the decision; it is carried through so callers suppress the
// user-facing prompt for intermediate hops.
func (v *Verifier) Verify(userID, hostID uint, fingerprint string, isJumpHop bool) (Result, error) {
	lock := v.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := v.load(userID)
	if err != nil {
		return Result{}, err
	}

	stored, ok := entries[hostID]
	if !ok {
		entries[hostID] = fingerprint
		if err := v.save(userID, entries); err != nil {
			return Result{}, err
		}
		return Result{Decision: Accept, FirstSeen: true, Presented: fingerprint}, nil
	}

	if stored == fingerprint {
		return Result{Decision: Accept, Presented: fingerprint}, nil
	}

	return Result{Decision: Reject, Stored: stored, Presented: fingerprint}, nil
}

// Forget removes the stored fingerprint for (userID, hostID). Exposed so
// the host CRUD edge can reset trust after a legitimate key rotation.
func (v *Verifier) Forget(userID, hostID uint) error {
	lock := v.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := v.load(userID)
	if err != nil {
		return err
	}
	if _, ok := entries[hostID]; !ok {
		return nil
	}
	delete(entries, hostID)
	return v.save(userID, entries)
}

func (v *Verifier) load(userID uint) (map[uint]string, error) {
	entries := make(map[uint]string)

	f, err := os.Open(v.userFile(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("open hostkeys file for user %d: %w", userID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		entries[uint(id)] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hostkeys file for user %d: %w", userID, err)
	}
	return entries, nil
}

func (v *Verifier) save(userID uint, entries map[uint]string) error {
	var sb strings.Builder
	for id, fp := range entries {
		fmt.Fprintf(&sb, "%d %s\n", id, fp)
	}

	// Write-then-rename so a crash mid-write cannot truncate the store.
	tmp := v.userFile(userID) + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("write hostkeys file for user %d: %w", userID, err)
	}
	if err := os.Rename(tmp, v.userFile(userID)); err != nil {
		return fmt.Errorf("rename hostkeys file for user %d: %w", userID, err)
	}
	return nil
}
