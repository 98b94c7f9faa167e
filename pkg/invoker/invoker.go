package invoker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultCommand          = "claude"
	defaultProgressInterval = 2 * time.Minute
	defaultTimeout          = 30 * time.Minute
	defaultKillGrace        = 5 * time.Second

	truncatedSuffix  = "\n\n[truncated: run exceeded the time limit]"
	timedOutMessage  = "The run timed out, likely mid-activity, and produced no usable output."
	noOutputMessage  = "The tool produced no response."
	modeRetryMessage = "The session could not be started or resumed after a mode retry."
)

// Config configures an Invoker. Zero values fall back to defaults.
type Config struct {
	// Command is the tool binary to invoke.
	Command string

	// BaseCapabilities is the baseline capability whitelist passed on
	// every invocation.
	BaseCapabilities []string

	// SystemPrompt is appended to the tool's system prompt.
	SystemPrompt string

	// ProgressInterval is how often the progress sink is called.
	ProgressInterval time.Duration

	// Timeout is the hard ceiling on one invocation.
	Timeout time.Duration

	// KillGrace is how long to wait after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

// Invoker runs conversational tool subprocesses. It is safe for
// concurrent use; each Invoke call drives its own subprocess.
type Invoker struct {
	command          string
	systemPrompt     string
	progressInterval time.Duration
	timeout          time.Duration
	killGrace        time.Duration

	baseCaps atomic.Pointer[[]string]
}

// New creates an Invoker from cfg.
func New(cfg Config) *Invoker {
	observability.EnsureRegistered()

	inv := &Invoker{
		command:          cfg.Command,
		systemPrompt:     cfg.SystemPrompt,
		progressInterval: cfg.ProgressInterval,
		timeout:          cfg.Timeout,
		killGrace:        cfg.KillGrace,
	}
	if inv.command == "" {
		inv.command = defaultCommand
	}
	if inv.progressInterval <= 0 {
		inv.progressInterval = defaultProgressInterval
	}
	if inv.timeout <= 0 {
		inv.timeout = defaultTimeout
	}
	if inv.killGrace <= 0 {
		inv.killGrace = defaultKillGrace
	}

	caps := append([]string(nil), cfg.BaseCapabilities...)
	inv.baseCaps.Store(&caps)

	return inv
}

// CheckBinary verifies the tool binary is present and executable. A
// missing binary is fatal at startup rather than a per-turn error.
func (inv *Invoker) CheckBinary() error {
	if _, err := exec.LookPath(inv.command); err != nil {
		return fmt.Errorf("tool binary %q not found: %w", inv.command, err)
	}
	return nil
}

// SetBaseCapabilities replaces the baseline capability whitelist. Used
// for configuration hot reload; in-flight invocations keep the set they
// started with.
func (inv *Invoker) SetBaseCapabilities(caps []string) {
	copied := append([]string(nil), caps...)
	inv.baseCaps.Store(&copied)
	log.Info().Strs("capabilities", copied).Msg("Base capability whitelist updated")
}

// BaseCapabilities returns the current baseline whitelist.
func (inv *Invoker) BaseCapabilities() []string {
	return append([]string(nil), *inv.baseCaps.Load()...)
}

// allowedCapabilities combines the baseline with per-call extras,
// preserving order and dropping duplicates.
func (inv *Invoker) allowedCapabilities(extra []string) []string {
	base := *inv.baseCaps.Load()
	combined := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, name := range base {
		if name != "" && !seen[name] {
			seen[name] = true
			combined = append(combined, name)
		}
	}
	for _, name := range extra {
		if name != "" && !seen[name] {
			seen[name] = true
			combined = append(combined, name)
		}
	}
	return combined
}

// Invoke runs one conversation turn. Per-turn failures (timeout, tool
// error, unusable output) are reported in the Result with IsError set;
// the returned error is reserved for invalid requests.
func (inv *Invoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil || req.Message == "" {
		return nil, fmt.Errorf("invocation request must carry a message")
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("invocation request must carry a session id")
	}

	runID := tracing.NewRunID()
	ctx = tracing.WithRunID(ctx, runID)
	ctx = tracing.WithConversationKey(ctx, req.Key)
	ctx, span := tracing.StartSpan(
		ctx,
		"courier.invoker",
		"invoker.invoke",
		attribute.String("conversation_key", req.Key),
		attribute.Bool("first_invocation", req.FirstInvocation),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("key", req.Key).
		Str("session_id", req.SessionID).
		Logger()

	start := time.Now()

	mode := modeResume
	if req.FirstInvocation {
		mode = modeCreate
	}

	result, outcome := inv.run(ctx, mode, req, logger)

	// Self-correcting retry: at most one, and only on a mode mismatch.
	switch {
	case outcome == outcomeAlreadyInUse && mode == modeCreate:
		logger.Warn().Msg("Session id already in use, retrying in resume mode")
		result, outcome = inv.run(ctx, modeResume, req, logger)
	case outcome == outcomeNoConversation && mode == modeResume:
		logger.Warn().Msg("No conversation for session id, retrying in create mode")
		result, outcome = inv.run(ctx, modeCreate, req, logger)
	}

	// A mismatch on the retry itself is a dead end; report it as a
	// plain error result instead of looping.
	if outcome == outcomeAlreadyInUse || outcome == outcomeNoConversation {
		result.Text = modeRetryMessage
		result.IsError = true
	}

	// The final record's duration is authoritative when present.
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	observability.RecordInvocation(time.Since(start), !result.IsError)
	if outcome == outcomeTimeout {
		observability.RecordInvocationTimeout()
	}
	for _, denial := range result.DeniedCapabilities {
		observability.RecordCapabilityDenial(denial.Name)
	}

	logger.Info().
		Str("outcome", outcome.String()).
		Dur("duration", result.Duration).
		Bool("is_error", result.IsError).
		Int("capability_calls", len(result.CapabilityCalls)).
		Int("capability_denials", len(result.DeniedCapabilities)).
		Msg("Invocation finished")

	return result, nil
}

// run performs a single spawn attempt in the given session mode.
func (inv *Invoker) run(ctx context.Context, mode sessionMode, req *Request, logger zerolog.Logger) (*Result, runOutcome) {
	args := inv.buildArgs(mode, req)
	cmd := exec.Command(inv.command, args...)

	// The tool may spawn its own children (a shell capability will).
	// Running the whole tree in a dedicated process group lets the
	// watchdog take all of it down, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Own the pipes instead of using cmd.StdoutPipe so reaping the
	// child is not coupled to pipe EOF; a grandchild inheriting stdout
	// must not be able to stall this turn.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnErrorResult(req, err), outcomeSpawnError
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return spawnErrorResult(req, err), outcomeSpawnError
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		logger.Error().Err(err).Str("command", inv.command).Msg("Failed to spawn tool")
		return spawnErrorResult(req, err), outcomeSpawnError
	}

	// The child holds its own copies of the write ends now.
	stdoutW.Close()
	stderrW.Close()
	defer stdoutR.Close()
	defer stderrR.Close()

	logger.Debug().
		Str("mode", mode.String()).
		Int("pid", cmd.Process.Pid).
		Msg("Tool spawned")

	start := time.Now()
	tr := &transcript{}

	var pipeWG sync.WaitGroup
	pipeWG.Add(2)
	go func() {
		defer pipeWG.Done()
		decodeStream(stdoutR, tr, func(call CapabilityCall) {
			observability.RecordCapabilityCall(call.Name)
			logger.Debug().Str("activity", Summarize(call)).Msg("Capability invoked")
		}, logger)
	}()

	stderrCh := make(chan string, 1)
	go func() {
		defer pipeWG.Done()
		data, _ := io.ReadAll(stderrR)
		stderrCh <- strings.TrimSpace(string(data))
	}()

	pipesDone := make(chan struct{})
	go func() {
		pipeWG.Wait()
		close(pipesDone)
	}()

	// waitDone closes once the direct child has been reaped; it releases
	// the progress and watchdog goroutines.
	waitDone := make(chan struct{})

	if req.OnProgress != nil {
		go func() {
			ticker := time.NewTicker(inv.progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-waitDone:
					return
				case <-ticker.C:
					req.OnProgress(Progress{
						Elapsed:         time.Since(start),
						CapabilityCalls: tr.callCount(),
					})
				}
			}
		}()
	}

	var timedOut atomic.Bool
	go func() {
		timer := time.NewTimer(inv.timeout)
		defer timer.Stop()
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
		case <-timer.C:
		}
		timedOut.Store(true)
		logger.Warn().Dur("elapsed", time.Since(start)).Msg("Terminating tool")
		signalGroup(cmd, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(inv.killGrace):
			logger.Warn().Msg("Tool ignored SIGTERM, killing")
			signalGroup(cmd, syscall.SIGKILL)
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)

	// The parent's write ends are closed, so EOF reaches the readers as
	// soon as every process in the group is gone. A detached survivor
	// can still hold the pipes open; force EOF after a drain window
	// instead of stalling this key's queue behind it.
	select {
	case <-pipesDone:
	case <-time.After(inv.killGrace):
		logger.Warn().Msg("Output pipes still open after tool exit, abandoning stream")
		stdoutR.Close()
		stderrR.Close()
		<-pipesDone
	}
	stderrText := <-stderrCh

	elapsed := time.Since(start)
	fragments, calls, final := tr.snapshot()

	if timedOut.Load() {
		result := &Result{
			SessionID:       req.SessionID,
			Duration:        elapsed,
			IsError:         true,
			Truncated:       true,
			CapabilityCalls: calls,
		}
		if len(fragments) > 0 {
			result.Text = strings.Join(fragments, "\n") + truncatedSuffix
		} else {
			result.Text = timedOutMessage
		}
		return result, outcomeTimeout
	}

	if final != nil {
		if final.IsError {
			if mode == modeCreate && isAlreadyInUse(final.Result) {
				return errorResult(req, final.Result, calls), outcomeAlreadyInUse
			}
			if mode == modeResume && isNoConversation(final.Result) {
				return errorResult(req, final.Result, calls), outcomeNoConversation
			}
		}

		result := &Result{
			Text:            final.Result,
			SessionID:       final.SessionID,
			Duration:        elapsed,
			IsError:         final.IsError,
			CapabilityCalls: calls,
		}
		if final.DurationMS > 0 {
			result.Duration = time.Duration(final.DurationMS) * time.Millisecond
		}
		if result.SessionID == "" {
			result.SessionID = req.SessionID
		}
		if result.Text == "" {
			result.Text = strings.Join(fragments, "\n")
		}
		for _, denial := range final.PermissionDenials {
			result.DeniedCapabilities = append(result.DeniedCapabilities, CapabilityCall{
				Name:  denial.ToolName,
				Input: denial.ToolInput,
			})
		}
		return result, outcomeOK
	}

	// No final record. Mode mismatches can also surface on stderr with
	// a non-zero exit.
	if waitErr != nil {
		if mode == modeCreate && isAlreadyInUse(stderrText) {
			return errorResult(req, stderrText, calls), outcomeAlreadyInUse
		}
		if mode == modeResume && isNoConversation(stderrText) {
			return errorResult(req, stderrText, calls), outcomeNoConversation
		}

		// The run did not complete, so even accumulated free text is
		// reported as an error to keep the session bookkeeping from
		// advancing past a crashed turn.
		if len(fragments) > 0 {
			logger.Error().Str("stderr", stderrText).Msg("Tool crashed after partial output")
			return errorResult(req, strings.Join(fragments, "\n"), calls), outcomeCrashed
		}

		message := stderrText
		if message == "" {
			message = fmt.Sprintf("tool exited with status %s", exitStatus(waitErr))
		}
		logger.Error().Str("stderr", stderrText).Msg("Tool failed without output")
		return errorResult(req, message, calls), outcomeNoOutput
	}

	// Exited without a final record: degrade to the accumulated free
	// text, or a generic message when there is none.
	if len(fragments) > 0 {
		return &Result{
			Text:            strings.Join(fragments, "\n"),
			SessionID:       req.SessionID,
			Duration:        elapsed,
			CapabilityCalls: calls,
		}, outcomeOK
	}

	logger.Warn().Msg("Tool exited with no decodable output")
	return errorResult(req, noOutputMessage, calls), outcomeNoOutput
}

func (inv *Invoker) buildArgs(mode sessionMode, req *Request) []string {
	args := []string{
		"-p", req.Message,
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", strings.Join(inv.allowedCapabilities(req.ExtraCapabilities), ","),
	}
	if inv.systemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.systemPrompt)
	}
	if mode == modeCreate {
		args = append(args, "--session-id", req.SessionID)
	} else {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

func spawnErrorResult(req *Request, err error) *Result {
	return &Result{
		Text:      fmt.Sprintf("failed to start tool: %v", err),
		SessionID: req.SessionID,
		IsError:   true,
	}
}

func errorResult(req *Request, text string, calls []CapabilityCall) *Result {
	return &Result{
		Text:            text,
		SessionID:       req.SessionID,
		IsError:         true,
		CapabilityCalls: calls,
	}
}

// signalGroup signals the tool's whole process group, falling back to
// the direct child when the group is already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

func isAlreadyInUse(s string) bool {
	return strings.Contains(strings.ToLower(s), "already in use")
}

func isNoConversation(s string) bool {
	return strings.Contains(strings.ToLower(s), "no conversation found")
}

func exitStatus(waitErr error) string {
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return fmt.Sprintf("%d", exitErr.ExitCode())
	}
	return waitErr.Error()
}
