// Package extcmd implements the External Command Bus: a named-pipe
// command reader feeding a dispatch table of structured
// admin operations (process-check-result, acknowledge, schedule-
// downtime, ...), plus a Bus that wires those operations straight into
// the Checkable state machine, Notification Engine, Downtime Manager
// and Scheduler.
package extcmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/downtime"
	"github.com/icinga-go/gogiod/internal/errkind"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"
)

// Command is one parsed external command line.
type Command struct {
	Timestamp int64
	Name      string
	Args      []string
	Raw       string
}

// Handler is a function that processes an external command.
type Handler func(cmd *Command) error

// Processor reads external commands from a named pipe and dispatches
// them to registered Handlers by name.
type Processor struct {
	pipePath string
	handlers map[string]Handler
	cmdChan  chan *Command
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewProcessor creates a command processor reading from pipePath.
func NewProcessor(pipePath string, bufSize int, log zerolog.Logger) *Processor {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Processor{
		pipePath: pipePath,
		handlers: make(map[string]Handler),
		cmdChan:  make(chan *Command, bufSize),
		stopChan: make(chan struct{}),
		log:      log,
	}
}

// RegisterHandler registers a handler for a command name.
func (p *Processor) RegisterHandler(name string, h Handler) {
	p.mu.Lock()
	p.handlers[name] = h
	p.mu.Unlock()
}

// RegisterHandlers registers multiple handlers at once.
func (p *Processor) RegisterHandlers(handlers map[string]Handler) {
	p.mu.Lock()
	for name, h := range handlers {
		p.handlers[name] = h
	}
	p.mu.Unlock()
}

// Dispatch directly invokes a registered command handler by name,
// letting callers outside the pipe (an operator UI, a cluster peer
// relaying a command, a compat spool reader) route through the same
// handler table the pipe itself uses.
func (p *Processor) Dispatch(name string, args []string) error {
	p.mu.RLock()
	handler, ok := p.handlers[name]
	p.mu.RUnlock()
	if !ok {
		return errkind.New(errkind.ExternalCommandBadRequest, "Processor.Dispatch", fmt.Errorf("unknown command %q", name))
	}
	return handler(&Command{Timestamp: time.Now().Unix(), Name: name, Args: args})
}

// CommandChan returns the channel every parsed command is also
// delivered to, for a caller that wants to observe command traffic
// without owning a handler.
func (p *Processor) CommandChan() <-chan *Command {
	return p.cmdChan
}

// Start begins reading from the command pipe in a goroutine.
func (p *Processor) Start() error {
	if _, err := os.Stat(p.pipePath); os.IsNotExist(err) {
		if err := mkfifo(p.pipePath); err != nil {
			return fmt.Errorf("failed to create command pipe %s: %w", p.pipePath, err)
		}
	}

	p.wg.Add(1)
	go p.readLoop()
	return nil
}

// Stop stops the command processor.
func (p *Processor) Stop() {
	close(p.stopChan)
	// Unblock readLoop if it's stuck in os.Open() on the FIFO: an
	// O_WRONLY|O_NONBLOCK open doesn't block itself, and wakes the
	// blocking read-side open.
	fd, err := syscall.Open(p.pipePath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err == nil {
		syscall.Close(fd)
	}
	p.wg.Wait()
}

func (p *Processor) readLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		f, err := os.Open(p.pipePath)
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
				continue
			}
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			select {
			case <-p.stopChan:
				f.Close()
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			cmd, err := Parse(line)
			if err != nil {
				p.log.Warn().Err(err).Str("line", line).Msg("malformed external command")
				continue
			}

			p.mu.RLock()
			handler, ok := p.handlers[cmd.Name]
			p.mu.RUnlock()

			if !ok {
				p.log.Warn().Str("command", cmd.Name).Msg("unknown external command")
			} else if err := handler(cmd); err != nil {
				p.log.Warn().Str("command", cmd.Name).Err(err).Msg("external command failed")
			}

			select {
			case p.cmdChan <- cmd:
			default:
				p.log.Warn().Str("command", cmd.Name).Msg("external command channel full, dropping")
			}
		}
		f.Close()
	}
}

// Bus wires a Processor's dispatch table to the core engines: the
// Checkable state machine, Notification Engine, Downtime Manager and
// Scheduler.
type Bus struct {
	*Processor

	log      zerolog.Logger
	Registry *registry.Registry
	Handler  *checkable.Handler
	Notify   NotifyEngine
	Downtime *downtime.Manager
	Comments *downtime.CommentManager
	Reschedule func(c *checkable.Checkable, at time.Time, force bool)

	OnShutdown func()
	OnRestart  func()
}

// NotifyEngine is the subset of internal/notify.Engine the Bus needs.
type NotifyEngine interface {
	SendCustomNotification(c *checkable.Checkable, author, text string)
}

// NewBus wraps proc with a Bus and registers every supported admin
// operation as a Processor handler.
func NewBus(proc *Processor, log zerolog.Logger) *Bus {
	b := &Bus{Processor: proc, log: log}
	b.registerHandlers()
	return b
}

func (b *Bus) registerHandlers() {
	b.RegisterHandlers(map[string]Handler{
		"PROCESS_CHECK_RESULT":     b.handleProcessCheckResult,
		"ACKNOWLEDGE_PROBLEM":      b.handleAcknowledgeProblem,
		"REMOVE_ACKNOWLEDGEMENT":   b.handleRemoveAcknowledgement,
		"SCHEDULE_DOWNTIME":        b.handleScheduleDowntime,
		"REMOVE_DOWNTIME":          b.handleRemoveDowntime,
		"REMOVE_COMMENT":           b.handleRemoveComment,
		"SEND_CUSTOM_NOTIFICATION": b.handleSendCustomNotification,
		"DELAY_NOTIFICATION":       b.handleDelayNotification,
		"RESCHEDULE_CHECK":         b.handleRescheduleCheck,
		"SHUTDOWN_PROCESS":         b.handleShutdownProcess,
		"RESTART_PROCESS":          b.handleRestartProcess,
	})
}

func badRequest(op string, err error) error {
	return errkind.New(errkind.ExternalCommandBadRequest, op, err)
}

// resolve locates a checkable through Registry.GetByName, as kind
// "host" by host name or as kind "service" by "host!svc", svc == ""
// meaning "the host itself".
func (b *Bus) resolve(host, svc string) (*checkable.Checkable, error) {
	if b.Registry == nil {
		return nil, fmt.Errorf("extcmd: no object registry configured")
	}
	name, kind := host, "host"
	if svc != "" {
		name, kind = host+"!"+svc, "service"
	}
	obj, ok := b.Registry.GetByName(kind, name)
	if !ok {
		return nil, fmt.Errorf("%s %q not found", kind, name)
	}
	c, ok := obj.(*checkable.Checkable)
	if !ok {
		return nil, fmt.Errorf("%s %q is not a Checkable", kind, name)
	}
	return c, nil
}

func parseUnixTime(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

func parseBool(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}

// handleProcessCheckResult implements `ProcessCheckResult`: host;
// service;state;output[;perfdata]. Execution start and end are both
// taken from the command's timestamp.
func (b *Bus) handleProcessCheckResult(cmd *Command) error {
	if len(cmd.Args) < 4 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;state;output[;perfdata]"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	state, err := strconv.Atoi(cmd.Args[2])
	if err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid state: %w", err))
	}
	perfdata := ""
	if len(cmd.Args) > 4 {
		perfdata = cmd.Args[4]
	}
	cr := &checkable.CheckResult{
		State:          checkable.State(state),
		Output:         cmd.Args[3],
		Perfdata:       perfdata,
		Active:         false,
		ExecutionStart: time.Unix(cmd.Timestamp, 0),
		ExecutionEnd:   time.Unix(cmd.Timestamp, 0),
		Source:         "external-command",
	}
	if b.Handler == nil {
		return fmt.Errorf("extcmd: no state machine handler configured")
	}
	if err := b.Handler.ProcessCheckResult(c, cr); err != nil {
		return badRequest(cmd.Name, err)
	}
	return nil
}

// handleAcknowledgeProblem implements `AcknowledgeProblem(...)`: host;
// service;sticky;persistent;author;comment[;expiry_unixtime].
func (b *Bus) handleAcknowledgeProblem(cmd *Command) error {
	if len(cmd.Args) < 6 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;sticky;persistent;author;comment[;expiry]"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	typ := checkable.AckNormal
	if parseBool(cmd.Args[2]) {
		typ = checkable.AckSticky
	}
	var expiry time.Time
	if len(cmd.Args) > 6 && cmd.Args[6] != "" {
		expiry, err = parseUnixTime(cmd.Args[6])
		if err != nil {
			return badRequest(cmd.Name, fmt.Errorf("invalid expiry: %w", err))
		}
	}
	author, text := cmd.Args[4], cmd.Args[5]
	persistent := parseBool(cmd.Args[3])
	if b.Handler == nil {
		return fmt.Errorf("extcmd: no state machine handler configured")
	}
	b.Handler.Acknowledge(c, typ, expiry, author, text)
	if b.Comments != nil {
		b.Comments.Add(&downtime.Comment{
			CheckableName: c.Name,
			EntryType:     downtime.AcknowledgementCommentEntry,
			Persistent:    persistent,
			Author:        author,
			Text:          text,
		})
	}
	return nil
}

func (b *Bus) handleRemoveAcknowledgement(cmd *Command) error {
	if len(cmd.Args) < 2 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	if b.Handler == nil {
		return fmt.Errorf("extcmd: no state machine handler configured")
	}
	b.Handler.ClearAcknowledgement(c)
	if b.Comments != nil {
		b.Comments.DeleteAckComments(c.Name)
	}
	return nil
}

// handleScheduleDowntime implements `ScheduleDowntime(...)`: host;
// service;start;end;fixed;trigger_id;duration_seconds;author;comment.
func (b *Bus) handleScheduleDowntime(cmd *Command) error {
	if len(cmd.Args) < 9 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;start;end;fixed;trigger_id;duration;author;comment"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	start, err := parseUnixTime(cmd.Args[2])
	if err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid start: %w", err))
	}
	end, err := parseUnixTime(cmd.Args[3])
	if err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid end: %w", err))
	}
	durationSec, err := strconv.ParseInt(cmd.Args[6], 10, 64)
	if err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid duration: %w", err))
	}
	if b.Downtime == nil {
		return fmt.Errorf("extcmd: no downtime manager configured")
	}
	b.Downtime.Schedule(&downtime.Downtime{
		CheckableName: c.Name,
		StartTime:     start,
		EndTime:       end,
		Fixed:         parseBool(cmd.Args[4]),
		TriggeredBy:   cmd.Args[5],
		Duration:      time.Duration(durationSec) * time.Second,
		Author:        cmd.Args[7],
		Comment:       cmd.Args[8],
	})
	return nil
}

func (b *Bus) handleRemoveDowntime(cmd *Command) error {
	if len(cmd.Args) < 1 {
		return badRequest(cmd.Name, fmt.Errorf("expected downtime_id"))
	}
	if b.Downtime == nil {
		return fmt.Errorf("extcmd: no downtime manager configured")
	}
	b.Downtime.Remove(cmd.Args[0])
	return nil
}

func (b *Bus) handleRemoveComment(cmd *Command) error {
	if len(cmd.Args) < 1 {
		return badRequest(cmd.Name, fmt.Errorf("expected comment_id"))
	}
	if b.Comments == nil {
		return fmt.Errorf("extcmd: no comment manager configured")
	}
	b.Comments.Delete(cmd.Args[0])
	return nil
}

func (b *Bus) handleSendCustomNotification(cmd *Command) error {
	if len(cmd.Args) < 4 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;author;text"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	if b.Notify == nil {
		return fmt.Errorf("extcmd: no notification engine configured")
	}
	b.Notify.SendCustomNotification(c, cmd.Args[2], cmd.Args[3])
	return nil
}

// handleDelayNotification accepts `DelayNotification(t)`: host;
// service;delay_until_unixtime. It resolves the checkable and parses
// the time, then returns; no notification time or check schedule is
// changed.
func (b *Bus) handleDelayNotification(cmd *Command) error {
	if len(cmd.Args) < 3 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;delay_until"))
	}
	_, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	if _, err := parseUnixTime(cmd.Args[2]); err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid delay_until: %w", err))
	}
	// The parsed time is not applied: internal/notify keeps
	// NextNotification per Notification, and NotifyEngine offers only
	// SendCustomNotification.
	return nil
}

func (b *Bus) handleRescheduleCheck(cmd *Command) error {
	if len(cmd.Args) < 4 {
		return badRequest(cmd.Name, fmt.Errorf("expected host;service;time;force"))
	}
	c, err := b.resolve(cmd.Args[0], cmd.Args[1])
	if err != nil {
		return badRequest(cmd.Name, err)
	}
	at, err := parseUnixTime(cmd.Args[2])
	if err != nil {
		return badRequest(cmd.Name, fmt.Errorf("invalid time: %w", err))
	}
	if b.Reschedule == nil {
		return fmt.Errorf("extcmd: no scheduler reschedule hook configured")
	}
	b.Reschedule(c, at, parseBool(cmd.Args[3]))
	return nil
}

func (b *Bus) handleShutdownProcess(cmd *Command) error {
	if b.OnShutdown != nil {
		b.OnShutdown()
	}
	return nil
}

func (b *Bus) handleRestartProcess(cmd *Command) error {
	if b.OnRestart != nil {
		b.OnRestart()
	}
	return nil
}

// Parse parses a single external command line.
// Format: [<timestamp>] <COMMAND_NAME>;<arg1>;<arg2>;...
func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if line[0] != '[' {
		return nil, fmt.Errorf("missing timestamp bracket")
	}
	closeBracket := strings.IndexByte(line, ']')
	if closeBracket < 0 {
		return nil, fmt.Errorf("missing closing bracket")
	}

	tsStr := line[1:closeBracket]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	rest := strings.TrimSpace(line[closeBracket+1:])

	cmd := &Command{
		Timestamp: ts,
		Raw:       line,
	}

	semiIdx := strings.IndexByte(rest, ';')
	if semiIdx < 0 {
		cmd.Name = rest
		return cmd, nil
	}

	cmd.Name = rest[:semiIdx]
	argStr := rest[semiIdx+1:]
	cmd.Args = splitArgs(cmd.Name, argStr)

	return cmd, nil
}

// splitArgs splits command arguments on semicolons, except the final
// argument (e.g. a free-text comment), which keeps any semicolons it
// contains — the number of expected fields varies by command.
func splitArgs(cmdName, argStr string) []string {
	n := expectedArgCount(cmdName)
	if n <= 0 {
		if argStr == "" {
			return nil
		}
		return []string{argStr}
	}

	args := make([]string, 0, n)
	remaining := argStr
	for i := 0; i < n-1; i++ {
		idx := strings.IndexByte(remaining, ';')
		if idx < 0 {
			args = append(args, remaining)
			return args
		}
		args = append(args, remaining[:idx])
		remaining = remaining[idx+1:]
	}
	args = append(args, remaining)
	return args
}

func expectedArgCount(cmdName string) int {
	switch cmdName {
	case "PROCESS_CHECK_RESULT":
		return 5 // host;service;state;output;perfdata
	case "ACKNOWLEDGE_PROBLEM":
		return 7 // host;service;sticky;persistent;author;comment;expiry
	case "REMOVE_ACKNOWLEDGEMENT":
		return 2 // host;service
	case "SCHEDULE_DOWNTIME":
		return 9 // host;service;start;end;fixed;trigger_id;duration;author;comment
	case "REMOVE_DOWNTIME", "REMOVE_COMMENT":
		return 1
	case "SEND_CUSTOM_NOTIFICATION":
		return 4 // host;service;author;text
	case "DELAY_NOTIFICATION":
		return 3 // host;service;delay_until
	case "RESCHEDULE_CHECK":
		return 4 // host;service;time;force
	case "SHUTDOWN_PROCESS", "RESTART_PROCESS":
		return 0
	default:
		return 0
	}
}

// mkfifo creates a named pipe. On Unix systems this uses syscall.
func mkfifo(path string) error {
	return mkfifoImpl(path)
}
