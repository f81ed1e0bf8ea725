package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stopPollInterval is how often the stop predicate is checked while the
// subprocess runs.
const stopPollInterval = 500 * time.Millisecond

// stopGracePeriod is how long a terminated process gets before a hard kill.
const stopGracePeriod = 2 * time.Second

// spawnSpec describes one agent subprocess invocation.
type spawnSpec struct {
	// Bin is the binary name or path.
	Bin string
	// Args is the full argument vector.
	Args []string
	// Dir is the working directory.
	Dir string
	// ExtraPathDirs are prepended to the inherited PATH.
	ExtraPathDirs []string
	// OnLine receives each complete stdout line.
	OnLine func(line []byte)
	// Stop is polled while the process runs; true requests termination.
	Stop func() bool
}

// spawner runs agent subprocesses. Swapped for a fake in tests.
type spawner interface {
	// Spawn runs the process to completion. The returned error is nil on
	// exit code 0; stderr is captured regardless.
	Spawn(ctx context.Context, spec spawnSpec) (stderr string, err error)
}

// execSpawner is the real os/exec-backed spawner.
type execSpawner struct{}

var _ spawner = (*execSpawner)(nil)

func (execSpawner) Spawn(ctx context.Context, spec spawnSpec) (string, error) {
	cmd := exec.CommandContext(ctx, spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = augmentedEnv(spec.ExtraPathDirs)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", spec.Bin, err)
	}

	var wg sync.WaitGroup
	var stderrBuf strings.Builder
	var stderrMu sync.Mutex

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if spec.OnLine != nil {
				spec.OnLine(line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 16*1024)
		scanner.Buffer(buf, 256*1024)
		for scanner.Scan() {
			stderrMu.Lock()
			stderrBuf.Write(scanner.Bytes())
			stderrBuf.WriteByte('\n')
			stderrMu.Unlock()
		}
	}()

	// Watch the stop predicate; terminate gracefully, then kill.
	pollDone := make(chan struct{})
	defer close(pollDone)
	if spec.Stop != nil {
		go func() {
			ticker := time.NewTicker(stopPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-pollDone:
					return
				case <-ticker.C:
					if !spec.Stop() {
						continue
					}
					if cmd.Process != nil {
						_ = cmd.Process.Signal(syscall.SIGTERM)
					}
					select {
					case <-pollDone:
					case <-time.After(stopGracePeriod):
						if cmd.Process != nil {
							_ = cmd.Process.Kill()
						}
					}
					return
				}
			}
		}()
	}

	wg.Wait()
	waitErr := cmd.Wait()

	stderrMu.Lock()
	captured := stderrBuf.String()
	stderrMu.Unlock()

	return captured, waitErr
}

// augmentedEnv returns the inherited environment with extra directories
// prepended to PATH.
func augmentedEnv(extraPathDirs []string) []string {
	env := os.Environ()
	if len(extraPathDirs) == 0 {
		return env
	}

	prefix := strings.Join(extraPathDirs, string(os.PathListSeparator))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + prefix + string(os.PathListSeparator) + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+prefix)
}

// binPathDirs collects the bin-like subdirectories of each dependency
// directory under each root, keeping only those that exist.
func binPathDirs(dependencyDirs, roots []string) []string {
	var dirs []string
	seen := make(map[string]bool)
	for _, root := range roots {
		for _, dep := range dependencyDirs {
			for _, sub := range []string{"bin", ".bin", filepath.Join("node_modules", ".bin")} {
				dir := filepath.Join(root, dep, sub)
				if seen[dir] {
					continue
				}
				if info, err := os.Stat(dir); err == nil && info.IsDir() {
					dirs = append(dirs, dir)
					seen[dir] = true
				}
			}
		}
	}
	return dirs
}
