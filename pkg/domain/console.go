package domain

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
)

// ConsoleTailer follows a VM's console log file on disk (libvirt's
// QEMU console logger writes one per domain under
// console_log_directory) and mirrors its tail into domain.console_log,
// clamped to console_log_lines (spec §6 config keys).
type ConsoleTailer struct {
	controller *Controller
	directory  string
	maxLines   int
	interval   time.Duration
}

func NewConsoleTailer(controller *Controller, directory string, maxLines int, interval time.Duration) *ConsoleTailer {
	if maxLines <= 0 {
		maxLines = 500
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ConsoleTailer{controller: controller, directory: directory, maxLines: maxLines, interval: interval}
}

// Run polls the console log file and publishes its tail until ctx is
// cancelled. Missing files are not an error — a VM that has never
// booted on this node simply has nothing to tail yet.
func (t *ConsoleTailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.sync(); err != nil {
				logging.Errorf(fmt.Sprintf("console tail %s failed", t.controller.uuid), err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *ConsoleTailer) sync() error {
	path := filepath.Join(t.directory, t.controller.uuid+".log")
	tail, err := tailLines(path, t.maxLines)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("console tail %s: %w", t.controller.uuid, err)
	}

	logPath, err := t.controller.registry.Path("domain.console_log", t.controller.uuid)
	if err != nil {
		return err
	}
	_, version, err := t.controller.session.Read(logPath)
	if err != nil {
		version = 0
	}
	return t.controller.session.Write([]coordstore.WriteOp{{Path: logPath, Data: []byte(strings.Join(tail, "\n")), ExpectedVersion: version}})
}

// tailLines returns the last maxLines lines of path.
func tailLines(path string, maxLines int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[len(lines)-maxLines:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
