// Package runner implements the Command Runner: it accepts an Admitted
// checkable from the Scheduler and dispatches it by command type —
// Plugin, Dummy, Sleep, Null, a remote endpoint via the Cluster
// Messenger, or an IFW API agent over HTTPS — producing a
// checkable.CheckResult for every outcome, synthetic or real.
//
// The worker-pool-plus-job-channel shape is gogios's
// internal/checker.Executor generalized to six command types instead of
// one fork+exec path; the persistent-shell fork-server optimization is
// not carried over; see DESIGN.md.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/errkind"
	"github.com/icinga-go/gogiod/internal/macros"
	"github.com/icinga-go/gogiod/internal/metrics"
	"github.com/icinga-go/gogiod/internal/perfdata"
	"github.com/rs/zerolog"
)

// maxArgStrlen mirrors Linux's MAX_ARG_STRLEN: the longest a single
// argv/envp string may be (32 pages at a 4KiB page size). There is no
// portable way to query the OS limit at runtime, so this is a fixed,
// conservative stand-in for a page-sized limit.
const maxArgStrlen = 128 * 1024

// defaultPluginTimeout applies when neither the checkable nor its
// command specify one.
const defaultPluginTimeout = 60 * time.Second

// maxCapturedOutputBytes bounds how much of a plugin's stdout/stderr is
// kept, matching gogios's internal/checker.runPlugin truncation.
const maxCapturedOutputBytes = 8192

// CommandType is one of the six dispatch kinds the Command Runner
// understands.
type CommandType int

const (
	CommandPlugin CommandType = iota
	CommandDummy
	CommandSleep
	CommandNull
	CommandRemoteEndpoint
	CommandIfwAPI
)

func (t CommandType) String() string {
	switch t {
	case CommandPlugin:
		return "plugin"
	case CommandDummy:
		return "dummy"
	case CommandSleep:
		return "sleep"
	case CommandNull:
		return "null"
	case CommandRemoteEndpoint:
		return "remote_endpoint"
	case CommandIfwAPI:
		return "ifw_api"
	default:
		return "unknown"
	}
}

// Command is one named, reusable check-command definition. Which
// fields matter depends on Type: Plugin and RemoteEndpoint consult
// CommandLine/Args; IfwAPI consults IfwBaseURL/IfwCommand/Args; Dummy,
// Sleep and Null need only Name/Type/Timeout.
type Command struct {
	Name        string
	Type        CommandType
	CommandLine string
	Args        map[string]macros.ArgumentSpec
	Timeout     time.Duration

	IfwBaseURL string
	IfwCommand string
}

// Messenger is the subset of the Cluster Messenger a remote-endpoint
// dispatch needs.
type Messenger interface {
	SyncSendMessage(endpoint string, msg any) error
}

type job struct {
	c             *checkable.Checkable
	done          func()
	scheduleStart time.Time
}

type pendingRemote struct {
	c             *checkable.Checkable
	scheduleStart time.Time
}

// clusterEnvelope is the `{ jsonrpc, method, params }` shape every
// cluster message uses.
type clusterEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// executeCommandParams is event::ExecuteCommand's payload.
type executeCommandParams struct {
	Host        string            `json:"host"`
	Service     string            `json:"service,omitempty"`
	CommandType string            `json:"command_type"`
	Command     string            `json:"command"`
	Macros      map[string]string `json:"macros"`
	Deadline    int64             `json:"deadline"`
	ExecutionID string            `json:"execution_id"`
}

// Runner dispatches Admitted checkables to their configured command and
// satisfies scheduler.Dispatcher.
type Runner struct {
	log   zerolog.Logger
	clock clock.Clock

	mu       sync.RWMutex
	commands map[string]*Command

	jobCh    chan job
	stopCh   chan struct{}
	stopOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]pendingRemote

	ifw *ifwClient

	// NodeName fills the Null command's "Hello from <node>" result.
	NodeName string
	// Messenger hands a remote-endpoint check to the Cluster Messenger.
	// Nil means remote-endpoint checks always fail as RemoteUnreachable.
	Messenger Messenger
	// BuildResolvers returns the macro resolver list for c. Nil means
	// every command template resolves against an empty resolver list.
	BuildResolvers func(c *checkable.Checkable) []macros.Resolver
	// OnResult is called with every produced CheckResult, synthetic or
	// real — typically wired to checkable.Handler.ProcessCheckResult.
	OnResult func(c *checkable.Checkable, cr *checkable.CheckResult)
}

// Config bundles Runner's static dependencies.
type Config struct {
	Clock    clock.Clock
	Log      zerolog.Logger
	Workers  int
	NodeName string
}

// New constructs a Runner and starts its worker pool.
func New(cfg Config) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 256
	}
	r := &Runner{
		log:      cfg.Log,
		clock:    cfg.Clock,
		commands: make(map[string]*Command),
		jobCh:    make(chan job, workers*4),
		stopCh:   make(chan struct{}),
		pending:  make(map[string]pendingRemote),
		ifw:      newIfwClient(),
		NodeName: cfg.NodeName,
	}
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// ConfigureIfwCA points the IFW API client's TLS validation at caPEM
// instead of the system trust store.
func (r *Runner) ConfigureIfwCA(caPEM []byte) error {
	return r.ifw.withCA(caPEM)
}

// Register adds or replaces a named check command definition.
func (r *Runner) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

func (r *Runner) lookup(name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[name]
}

// Stop drains queued jobs and stops accepting new ones. In-flight jobs
// still run to completion.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		close(r.jobCh)
	})
}

func (r *Runner) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}

func (r *Runner) worker() {
	for j := range r.jobCh {
		r.execute(j)
	}
}

// Dispatch implements scheduler.Dispatcher. done releases the
// scheduler's concurrency slot and must be called exactly once.
func (r *Runner) Dispatch(c *checkable.Checkable, done func()) {
	metrics.RunningChecks.Inc()
	j := job{c: c, done: done, scheduleStart: r.now()}
	select {
	case r.jobCh <- j:
	default:
		// Buffer full: a temporary goroutine keeps the scheduler's own
		// event loop from blocking, mirroring gogios's Submit.
		go func() { r.jobCh <- j }()
	}
}

// CompleteRemoteExecution feeds an asynchronously-arrived
// event::ExecutedCommand back into OnResult. The cluster layer calls
// this once it decodes the message; unknown or already-completed
// execution IDs are logged and dropped.
func (r *Runner) CompleteRemoteExecution(executionID string, cr *checkable.CheckResult) {
	r.pendingMu.Lock()
	p, ok := r.pending[executionID]
	if ok {
		delete(r.pending, executionID)
	}
	r.pendingMu.Unlock()

	if !ok {
		r.log.Warn().Str("execution_id", executionID).Msg("event::ExecutedCommand referenced an unknown or already-completed execution")
		return
	}
	if cr.ScheduleStart.IsZero() {
		cr.ScheduleStart = p.scheduleStart
	}
	if r.OnResult != nil {
		r.OnResult(p.c, cr)
	}
}

func (r *Runner) execute(j job) {
	c := j.c
	cmd := r.lookup(c.CommandName)
	if cmd == nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, r.now(), errkind.CommandExecFailure,
			fmt.Sprintf("check command %q is not registered", c.CommandName)))
		return
	}

	var resolvers []macros.Resolver
	if r.BuildResolvers != nil {
		resolvers = r.BuildResolvers(c)
	}

	switch cmd.Type {
	case CommandPlugin:
		r.runPlugin(j, cmd, resolvers)
	case CommandDummy:
		r.runDummy(j, resolvers)
	case CommandSleep:
		r.runSleep(j, resolvers)
	case CommandNull:
		r.runNull(j)
	case CommandRemoteEndpoint:
		r.runRemoteEndpoint(j, cmd, resolvers)
	case CommandIfwAPI:
		r.runIfwAPI(j, cmd, resolvers)
	default:
		r.finish(j, r.errorResult(c, j.scheduleStart, r.now(), errkind.UnknownType, "unknown command type"))
	}
}

// finish delivers cr to OnResult and releases the concurrency slot.
func (r *Runner) finish(j job, cr *checkable.CheckResult) {
	if r.OnResult != nil {
		r.OnResult(j.c, cr)
	}
	metrics.RunningChecks.Dec()
	j.done()
}

// release frees the concurrency slot without a result, for the
// remote-endpoint handoff whose CheckResult arrives asynchronously.
func (r *Runner) release(j job) {
	metrics.RunningChecks.Dec()
	j.done()
}

func (r *Runner) runNull(j job) {
	start := r.now()
	cr := &checkable.CheckResult{
		Output:         fmt.Sprintf("Hello from %s", r.NodeName),
		ScheduleStart:  j.scheduleStart,
		ScheduleEnd:    start,
		ExecutionStart: start,
		ExecutionEnd:   r.now(),
		Command:        "null",
		Source:         "runner",
		Active:         true,
	}
	r.finish(j, cr)
}

func (r *Runner) runDummy(j job, resolvers []macros.Resolver) {
	c := j.c
	start := r.now()

	stateStr, err := macros.ResolveMacros("$dummy_state$", resolvers, nil, nil, nil, nil, false)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, start, errkind.MacroSyntax, err.Error()))
		return
	}
	text, err := macros.ResolveMacros("$dummy_text$", resolvers, nil, nil, nil, nil, false)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, start, errkind.MacroSyntax, err.Error()))
		return
	}

	exitStatus, convErr := strconv.Atoi(strings.TrimSpace(stateStr))
	if convErr != nil {
		exitStatus = int(unknownState(c.Kind))
	}

	end := r.now()
	cr := r.buildResult(c, exitStatus, text, j.scheduleStart, start, end)
	cr.Command = "dummy"
	r.finish(j, cr)
}

func (r *Runner) runSleep(j job, resolvers []macros.Resolver) {
	c := j.c
	start := r.now()

	sleepStr, err := macros.ResolveMacros("$sleep_time$", resolvers, nil, nil, nil, nil, false)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, start, errkind.MacroSyntax, err.Error()))
		return
	}

	seconds, convErr := strconv.ParseFloat(strings.TrimSpace(sleepStr), 64)
	if convErr != nil || seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	if c.CheckTimeout > 0 && d > c.CheckTimeout {
		d = c.CheckTimeout
	}

	clk := r.clock
	if clk != nil {
		clk.Sleep(d, r.stopCh)
	} else {
		time.Sleep(d)
	}

	end := r.now()
	cr := &checkable.CheckResult{
		State:          0,
		Output:         fmt.Sprintf("Slept for %.3f seconds", seconds),
		ScheduleStart:  j.scheduleStart,
		ScheduleEnd:    start,
		ExecutionStart: start,
		ExecutionEnd:   end,
		Command:        "sleep",
		Source:         "runner",
		Active:         true,
	}
	r.finish(j, cr)
}

func (r *Runner) runPlugin(j job, cmd *Command, resolvers []macros.Resolver) {
	c := j.c
	scheduleEnd := r.now()

	argv, err := r.resolveArgv(cmd, resolvers)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, scheduleEnd, errkind.MacroSyntax, err.Error()))
		return
	}

	timeout := effectiveTimeout(c, cmd)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	execStart := r.now()
	stdout, stderr, exitStatus, runErr := runProcess(ctx, argv)
	execEnd := r.now()

	if ctx.Err() == context.DeadlineExceeded {
		r.finish(j, r.errorResult(c, j.scheduleStart, scheduleEnd, errkind.CommandTimeout, "Timeout exceeded"))
		return
	}
	if runErr != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, scheduleEnd, errkind.CommandExecFailure, runErr.Error()))
		return
	}

	output := stdout
	if output == "" && stderr != "" {
		output = "(no output on stdout) " + stderr
	}
	cr := r.buildResult(c, exitStatus, output, j.scheduleStart, execStart, execEnd)
	cr.ScheduleEnd = scheduleEnd
	cr.Command = strings.Join(argv, " ")
	r.finish(j, cr)
}

// resolveArgv resolves cmd's argv exactly as the Plugin dispatch path
// does: a real argv via structured Args when present, a single
// macro-templated shell line otherwise, either way truncated to the OS
// argument-length limit. Shared by runPlugin and Notify so a
// notification command gets the same resolution and truncation rules
// as a check plugin.
func (r *Runner) resolveArgv(cmd *Command, resolvers []macros.Resolver) ([]string, error) {
	if len(cmd.Args) > 0 {
		argv, err := macros.ResolveArguments(cmd.CommandLine, cmd.Args, resolvers, nil)
		if err != nil {
			return nil, err
		}
		if truncated, didTruncate := truncateArgv(argv, maxArgStrlen); didTruncate {
			r.log.Warn().Str("command", cmd.Name).
				Msg("argv exceeded the OS argument-length limit; truncated the longest expansion")
			argv = truncated
		}
		return argv, nil
	}

	line, err := r.resolveShellLine(cmd.CommandLine, resolvers)
	if err != nil {
		return nil, err
	}
	return []string{"/bin/sh", "-c", line}, nil
}

// Notify runs commandName as a fire-and-forget notification command,
// invoked once per surviving user by the Notification Engine. Unlike
// Dispatch it produces no CheckResult and does not touch the
// scheduler's concurrency accounting — a notification command is not
// a check.
func (r *Runner) Notify(ctx context.Context, commandName string, resolvers []macros.Resolver) error {
	cmd := r.lookup(commandName)
	if cmd == nil {
		return fmt.Errorf("runner: notification command %q is not registered", commandName)
	}

	argv, err := r.resolveArgv(cmd, resolvers)
	if err != nil {
		return fmt.Errorf("runner: notification command %q: %w", cmd.Name, err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultPluginTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stderr, exitStatus, runErr := runProcess(runCtx, argv)
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("runner: notification command %q timed out", cmd.Name)
	}
	if runErr != nil {
		return fmt.Errorf("runner: notification command %q: %w", cmd.Name, runErr)
	}
	if exitStatus != 0 {
		metrics.CommandFailuresTotal.WithLabelValues(errkind.CommandExecFailure.String()).Inc()
		return fmt.Errorf("runner: notification command %q exited %d: %s", cmd.Name, exitStatus, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *Runner) runRemoteEndpoint(j job, cmd *Command, resolvers []macros.Resolver) {
	c := j.c
	now := r.now()

	if r.Messenger == nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, now, errkind.RemoteUnreachable, "no cluster messenger configured"))
		return
	}

	argMacros, err := resolveArgMap(cmd.Args, resolvers)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, now, errkind.MacroSyntax, err.Error()))
		return
	}

	host, svc := splitName(c)
	execID := uuid.NewString()
	params := executeCommandParams{
		Host:        host,
		Service:     svc,
		CommandType: CommandPlugin.String(),
		Command:     cmd.Name,
		Macros:      argMacros,
		Deadline:    now.Add(effectiveTimeout(c, cmd)).Unix(),
		ExecutionID: execID,
	}

	r.pendingMu.Lock()
	r.pending[execID] = pendingRemote{c: c, scheduleStart: j.scheduleStart}
	r.pendingMu.Unlock()

	msg := clusterEnvelope{JSONRPC: "2.0", Method: "event::ExecuteCommand", Params: params}
	if err := r.Messenger.SyncSendMessage(c.CommandEndpoint, msg); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, execID)
		r.pendingMu.Unlock()
		r.finish(j, r.errorResult(c, j.scheduleStart, now, errkind.ClusterSendFailure, err.Error()))
		return
	}

	// Local work is done; the result lands later via CompleteRemoteExecution.
	r.release(j)
}

func (r *Runner) runIfwAPI(j job, cmd *Command, resolvers []macros.Resolver) {
	c := j.c
	scheduleEnd := r.now()

	args, err := resolveArgMap(cmd.Args, resolvers)
	if err != nil {
		r.finish(j, r.errorResult(c, j.scheduleStart, scheduleEnd, errkind.MacroSyntax, err.Error()))
		return
	}

	timeout := effectiveTimeout(c, cmd)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	execStart := r.now()
	result, err := r.ifw.Check(ctx, cmd.IfwBaseURL, cmd.IfwCommand, args)
	execEnd := r.now()

	if err != nil {
		kind, msg := classifyIfwError(err)
		r.finish(j, r.errorResult(c, j.scheduleStart, scheduleEnd, kind, msg))
		return
	}

	state, ok := mapExitStatus(c.Kind, result.ExitCode)
	parsed := perfdata.ParseOutput(result.CheckResult)
	output := parsed.ShortOutput
	if !ok {
		r.log.Warn().Str("checkable", c.Name).Int("exit_status", result.ExitCode).
			Msg("IFW API returned an out-of-range exit code, treating as Unknown")
		state = unknownState(c.Kind)
		if output == "" {
			output = fmt.Sprintf("(IFW API returned out-of-bounds exit code %d)", result.ExitCode)
		}
	}

	perf := append(append([]string(nil), parsed.Perfdata...), result.Perfdata...)
	cr := &checkable.CheckResult{
		State:          state,
		ExitStatus:     result.ExitCode,
		Output:         output,
		LongOutput:     parsed.LongOutput,
		Perfdata:       strings.Join(perf, " "),
		ScheduleStart:  j.scheduleStart,
		ScheduleEnd:    scheduleEnd,
		ExecutionStart: execStart,
		ExecutionEnd:   execEnd,
		Command:        cmd.IfwCommand,
		Source:         "ifw_api",
		Active:         true,
	}
	r.finish(j, cr)
}

// buildResult maps a raw exit status and plugin output into a
// CheckResult, logging and falling back to Unknown when exitStatus
// falls outside the plugin's documented 0-3 range.
func (r *Runner) buildResult(c *checkable.Checkable, exitStatus int, rawOutput string, scheduleStart, execStart, execEnd time.Time) *checkable.CheckResult {
	parsed := perfdata.ParseOutput(rawOutput)
	state, ok := mapExitStatus(c.Kind, exitStatus)
	output := parsed.ShortOutput
	if !ok {
		r.log.Warn().Str("checkable", c.Name).Int("exit_status", exitStatus).
			Msg("plugin returned an out-of-range exit status, treating as Unknown")
		state = unknownState(c.Kind)
		if output == "" {
			output = fmt.Sprintf("(return code of %d is out of bounds)", exitStatus)
		}
	}
	return &checkable.CheckResult{
		State:          state,
		ExitStatus:     exitStatus,
		Output:         output,
		LongOutput:     parsed.LongOutput,
		Perfdata:       strings.Join(parsed.Perfdata, " "),
		ScheduleStart:  scheduleStart,
		ScheduleEnd:    execStart,
		ExecutionStart: execStart,
		ExecutionEnd:   execEnd,
		Source:         "runner",
		Active:         true,
	}
}

// errorResult synthesizes the Unknown (or Down, for a Host) CheckResult
// a CommandTimeout/CommandExecFailure/MacroSyntax failure produces,
// and counts the failure by kind.
func (r *Runner) errorResult(c *checkable.Checkable, scheduleStart, scheduleEnd time.Time, kind errkind.Kind, msg string) *checkable.CheckResult {
	metrics.CommandFailuresTotal.WithLabelValues(kind.String()).Inc()
	r.log.Warn().Str("checkable", c.Name).Str("kind", kind.String()).Msg(msg)

	now := r.now()
	return &checkable.CheckResult{
		State:          unknownState(c.Kind),
		ExitStatus:     -1,
		Output:         msg,
		ScheduleStart:  scheduleStart,
		ScheduleEnd:    scheduleEnd,
		ExecutionStart: now,
		ExecutionEnd:   now,
		Source:         "runner",
		Active:         true,
	}
}

// mapExitStatus maps a plugin/IFW exit code to a State, using the
// {0,1,2,3} service range and the 2-state Host model. ok is false for
// any code outside the kind's valid range, signaling "treat as Unknown".
func mapExitStatus(kind checkable.Kind, exitStatus int) (checkable.State, bool) {
	if kind == checkable.KindHost {
		switch exitStatus {
		case 0:
			return checkable.HostUp, true
		case 1, 2, 3:
			return checkable.HostDown, true
		default:
			return 0, false
		}
	}
	switch exitStatus {
	case 0:
		return checkable.ServiceOK, true
	case 1:
		return checkable.ServiceWarning, true
	case 2:
		return checkable.ServiceCritical, true
	case 3:
		return checkable.ServiceUnknown, true
	default:
		return 0, false
	}
}

// unknownState is the closest-to-Unknown state for kind: Service has a
// real Unknown; Host's 2-state model maps it to Down.
func unknownState(kind checkable.Kind) checkable.State {
	if kind == checkable.KindHost {
		return checkable.HostDown
	}
	return checkable.ServiceUnknown
}

func effectiveTimeout(c *checkable.Checkable, cmd *Command) time.Duration {
	if c.CheckTimeout > 0 {
		return c.CheckTimeout
	}
	if cmd != nil && cmd.Timeout > 0 {
		return cmd.Timeout
	}
	return defaultPluginTimeout
}

func splitName(c *checkable.Checkable) (host, service string) {
	if c.Kind == checkable.KindHost {
		return c.Name, ""
	}
	return c.Service.HostName, c.Service.ShortName
}

// resolveArgMap resolves an ArgumentSpec map to a flat name->value map
// for transports that carry arguments as a JSON object (IFW API,
// event::ExecuteCommand) instead of an argv, reusing the same SetIf/
// Required gating ResolveArguments applies to argv.
func resolveArgMap(args map[string]macros.ArgumentSpec, resolvers []macros.Resolver) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for key, spec := range args {
		if spec.SetIf != "" {
			v, err := macros.ResolveMacros(spec.SetIf, resolvers, nil, nil, nil, nil, false)
			if err != nil {
				return nil, err
			}
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "", "0", "false":
				continue
			}
		}

		value, err := macros.ResolveMacros(spec.Value, resolvers, nil, nil, nil, nil, false)
		if err != nil {
			return nil, err
		}
		if spec.Required && value == "" {
			return nil, fmt.Errorf("runner: required argument %q resolved to empty value", key)
		}

		name := key
		if spec.Key != "" {
			name = spec.Key
		}
		out[name] = value
	}
	return out, nil
}

// resolveShellLine resolves template as a single macro-templated shell
// command line, truncating the longest expansion if the result would
// exceed the OS argv limit.
func (r *Runner) resolveShellLine(template string, resolvers []macros.Resolver) (string, error) {
	resolved, err := macros.ResolveMacros(template, resolvers, nil, nil, nil, nil, false)
	if err != nil {
		return "", err
	}
	if len(resolved) <= maxArgStrlen {
		return resolved, nil
	}

	target := maxArgStrlen * 9 / 10
	truncate := func(s string) string {
		if len(s) > target {
			return s[:target]
		}
		return s
	}
	truncated, err := macros.ResolveMacros(template, resolvers, nil, nil, truncate, nil, false)
	if err != nil {
		return "", err
	}
	r.log.Warn().Msg("shell command line exceeded the OS argument-length limit; truncated the longest expansion")
	return truncated, nil
}

// truncateArgv shortens argv's longest element to 90% of limit when the
// total argv byte size would exceed it.
func truncateArgv(argv []string, limit int) ([]string, bool) {
	total := 0
	longest, longestLen := -1, -1
	for i, a := range argv {
		total += len(a) + 1
		if len(a) > longestLen {
			longestLen = len(a)
			longest = i
		}
	}
	target := limit * 9 / 10
	if total <= limit || longest < 0 || len(argv[longest]) <= target {
		return argv, false
	}

	out := append([]string(nil), argv...)
	out[longest] = out[longest][:target]
	return out, true
}

// runProcess executes argv under ctx's deadline and captures its
// output, mirroring gogios's internal/checker.runPlugin without the
// fork-server optimization.
func runProcess(ctx context.Context, argv []string) (stdout, stderr string, exitStatus int, err error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", "", 0, context.DeadlineExceeded
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return truncateOutput(outBuf.String()), truncateOutput(errBuf.String()), ws.ExitStatus(), nil
			}
			return "", "", 0, fmt.Errorf("plugin exited abnormally: %w", runErr)
		}
		return "", "", 0, fmt.Errorf("could not execute plugin: %w", runErr)
	}
	return truncateOutput(outBuf.String()), truncateOutput(errBuf.String()), 0, nil
}

func truncateOutput(s string) string {
	if len(s) > maxCapturedOutputBytes {
		return s[:maxCapturedOutputBytes]
	}
	return s
}
