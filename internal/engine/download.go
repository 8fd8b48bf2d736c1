package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loopmaker/backend/pkg/domain"
)

// EnsureWeights runs the inference runner in one-shot download mode: it
// resolves and fetches pretrained weights, verifies checkpoint completeness,
// and exits. Idempotent: a complete checkpoint directory returns almost
// immediately. Progress frames are forwarded to the callback when the runner
// emits them.
func EnsureWeights(ctx context.Context, command string, args []string, progress ProgressFunc) error {
	if command == "" {
		return domain.Unavailablef("no inference runner configured")
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return domain.Unavailablef("start inference runner %q: %v", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var runnerErr error
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		switch f.Type {
		case "progress":
			if progress != nil {
				if err := progress(f.Value, f.Detail); err != nil {
					_ = cmd.Process.Kill()
					_ = cmd.Wait()
					return err
				}
			}
		case "error":
			runnerErr = domain.Unavailablef("%s", f.Detail)
		}
	}

	if err := cmd.Wait(); err != nil {
		if runnerErr != nil {
			return runnerErr
		}
		return domain.Unavailablef("weight download failed: %v", err)
	}
	return runnerErr
}
