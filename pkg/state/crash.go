package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type exitRequest struct {
	Time      string            `json:"time"`
	Reason    string            `json:"reason"`
	Cmd       string            `json:"cmd"`
	CrashPath string            `json:"crash_path,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// WriteCrashDump writes a human readable dump (error, environment keys and
// goroutine stacks) into the crash folder under dbPath, plus a JSON exit
// request in the abort folder that points at it. Both files are written to a
// temp name and renamed into place.
func WriteCrashDump(dbPath, reason string, err error) (dumpPath, reqPath string, _ error) {
	p := PathsFor(dbPath)
	if dbPath == "" {
		p = Paths{Crash: "./crash", Abort: "./abort"}
	}
	for _, dir := range []string{p.Crash, p.Abort} {
		if e := os.MkdirAll(dir, 0o700); e != nil {
			return "", "", fmt.Errorf("failed to create %s: %w", dir, e)
		}
	}

	now := time.Now().UTC()
	ts := now.UnixNano()

	f, ferr := os.CreateTemp(p.Crash, ".crash-*.tmp")
	if ferr != nil {
		return "", "", fmt.Errorf("failed to create temp crash file: %w", ferr)
	}
	tmpName := f.Name()
	defer func() { _ = os.Remove(tmpName) }()

	fmt.Fprintf(f, "time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", err)
	// names only; values may carry API keys
	fmt.Fprintf(f, "\n--- environ ---\n")
	for _, e := range os.Environ() {
		if k, _, ok := strings.Cut(e, "="); ok && k != "" {
			fmt.Fprintln(f, k)
		}
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])
	f.Sync()
	f.Close()

	dumpPath = filepath.Join(p.Crash, fmt.Sprintf("crash-%d.log", ts))
	if err := os.Rename(tmpName, dumpPath); err != nil {
		return "", "", fmt.Errorf("failed to move crash dump into place: %w", err)
	}
	_ = os.Chmod(dumpPath, 0o600)

	req := exitRequest{
		Time:      now.Format(time.RFC3339),
		Reason:    reason,
		Cmd:       "crash",
		CrashPath: dumpPath,
		Meta:      map[string]string{"pid": fmt.Sprintf("%d", os.Getpid())},
	}
	rtmp, rerr := os.CreateTemp(p.Abort, ".req-*.tmp")
	if rerr != nil {
		return dumpPath, "", fmt.Errorf("failed to create temp req file: %w", rerr)
	}
	rname := rtmp.Name()
	enc := json.NewEncoder(rtmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(req); err != nil {
		rtmp.Close()
		_ = os.Remove(rname)
		return dumpPath, "", fmt.Errorf("failed to encode req: %w", err)
	}
	rtmp.Sync()
	rtmp.Close()

	reqPath = filepath.Join(p.Abort, fmt.Sprintf("req-%d.json", ts))
	if err := os.Rename(rname, reqPath); err != nil {
		_ = os.Remove(rname)
		return dumpPath, "", fmt.Errorf("failed to move req into place: %w", err)
	}
	_ = os.Chmod(reqPath, 0o600)
	return dumpPath, reqPath, nil
}
