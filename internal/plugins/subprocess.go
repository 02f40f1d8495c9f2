package plugins

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
)

// Subprocess output protocol emitted by the backend wrappers:
//   step <n>/<total> loss=<f> lr=<f>
//   sample <path>
//   artifact <path>
var (
	stepLine     = regexp.MustCompile(`^step (\d+)/(\d+)(?: loss=([0-9.eE+-]+))?(?: lr=([0-9.eE+-]+))?`)
	sampleLine   = regexp.MustCompile(`^sample (\S+)`)
	artifactLine = regexp.MustCompile(`^artifact (\S+)`)
	sampleStep   = regexp.MustCompile(`step_(\d+)`)
)

// SubprocessResult is the parsed outcome of a backend subprocess run
type SubprocessResult struct {
	ArtifactPath string
	Samples      []string
}

// RunSubprocess executes a backend command, translating its stdout protocol
// into job events. Stderr lines become subprocess.stderr warnings so they are
// captured on the job log with the originating correlation ID. On
// cancellation the process receives SIGTERM, then SIGKILL if it exceeds the
// deadline; the run returns ErrCancelled.
func RunSubprocess(ctx context.Context, serviceLog arbor.ILogger, logger interfaces.JobLogger, command string, extraArgs []string, cancel interfaces.CancelToken, cancelDeadline time.Duration) (*SubprocessResult, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, interfaces.NewPluginError("backend.command_invalid", fmt.Errorf("failed to parse backend command: %w", err))
	}
	if len(words) == 0 {
		return nil, interfaces.NewPluginError("backend.unwired", fmt.Errorf("backend command not configured"))
	}

	args := append(words[1:], extraArgs...)
	cmd := exec.CommandContext(ctx, words[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, interfaces.NewPluginError("subprocess.pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, interfaces.NewPluginError("subprocess.pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, interfaces.NewPluginError("subprocess.start", err)
	}

	result := &SubprocessResult{}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Warning(scanner.Text(), "subprocess.stderr", nil)
		}
	}()

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			parseProtocolLine(scanner.Text(), logger, result)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-stdoutDone
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, interfaces.NewPluginError("subprocess.exit", err)
		}
		return result, nil
	case <-cancel.Done():
		serviceLog.Info().Int("pid", cmd.Process.Pid).Msg("Cancellation requested, terminating backend subprocess")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(cancelDeadline):
			serviceLog.Warn().Int("pid", cmd.Process.Pid).Msg("Backend subprocess ignored SIGTERM, killing")
			_ = cmd.Process.Kill()
			<-waitErr
		}
		return nil, interfaces.ErrCancelled
	}
}

func parseProtocolLine(line string, logger interfaces.JobLogger, result *SubprocessResult) {
	if m := stepLine.FindStringSubmatch(line); m != nil {
		step, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		info := interfaces.StepInfo{Step: step, StepsTotal: total}
		if m[3] != "" {
			if loss, err := strconv.ParseFloat(m[3], 64); err == nil {
				info.Loss = &loss
			}
		}
		if m[4] != "" {
			if lr, err := strconv.ParseFloat(m[4], 64); err == nil {
				info.LR = &lr
			}
		}
		logger.Step(info)
		return
	}
	if m := sampleLine.FindStringSubmatch(line); m != nil {
		result.Samples = append(result.Samples, m[1])
		step := 0
		if sm := sampleStep.FindStringSubmatch(m[1]); sm != nil {
			step, _ = strconv.Atoi(sm[1])
		}
		logger.Sample(step, m[1])
		return
	}
	if m := artifactLine.FindStringSubmatch(line); m != nil {
		result.ArtifactPath = m[1]
		return
	}
	logger.Info(line, "subprocess.stdout", nil)
}
