// Package subprocess runs an agent as a child process per query. The prompt
// is written to stdin; the agent answers with one JSON object per stdout line:
//
//	{"type":"text","text":"..."}
//	{"type":"tool_use","name":"search","input":{...}}
//	{"type":"tool_result","name":"search","content":"..."}
//	{"type":"error","error":"..."}
//	{"type":"session","session_id":"..."}
//
// Session id and context mode are handed to the agent through the
// TURNGUARD_SESSION_ID and TURNGUARD_CONTEXT_MODE environment variables.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnguard/pkg/provider"
)

const (
	EnvSessionID   = "TURNGUARD_SESSION_ID"
	EnvContextMode = "TURNGUARD_CONTEXT_MODE"

	DefaultAbortGrace = 5 * time.Second

	maxLineBytes  = 4 << 20
	maxStderrTail = 2048
)

type Config struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
	Env     []string `mapstructure:"env"`

	// AbortGrace is how long an interrupted agent gets before it is killed.
	AbortGrace time.Duration `mapstructure:"abort-grace"`
}

type Provider struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	sessionID string
	mode      provider.ContextMode
	queryID   uint64
	cancel    context.CancelFunc
	aborted   bool
}

var _ provider.SessionProvider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("subprocess provider: command is empty")
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = DefaultAbortGrace
	}
	return &Provider{
		cfg:    cfg,
		mode:   provider.ContextNone,
		logger: log.With().Str("component", "subprocess_provider").Str("command", cfg.Command).Logger(),
	}, nil
}

// Factory returns a provider.Factory giving each user its own process state.
func Factory(cfg Config) provider.Factory {
	return func(userID string) (provider.Provider, error) {
		p, err := New(cfg)
		if err != nil {
			return nil, err
		}
		p.logger = p.logger.With().Str("user_id", userID).Logger()
		return p, nil
	}
}

func (p *Provider) IsAvailable() bool {
	_, err := exec.LookPath(p.cfg.Command)
	return err == nil
}

func (p *Provider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Provider) SetSessionID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = id
}

func (p *Provider) SetContextMode(mode provider.ContextMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

func (p *Provider) ClearContext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
	p.mode = provider.ContextNone
}

// Abort interrupts the running agent process, if any.
func (p *Provider) Abort() {
	p.mu.Lock()
	cancel := p.cancel
	if cancel != nil {
		p.aborted = true
	}
	p.mu.Unlock()
	if cancel == nil {
		p.logger.Debug().Msg("abort: no query in flight")
		return
	}
	p.logger.Info().Msg("aborting in-flight query")
	cancel()
}

func (p *Provider) beginQuery(cancel context.CancelFunc) (uint64, string, provider.ContextMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryID++
	p.cancel = cancel
	p.aborted = false
	return p.queryID, p.sessionID, p.mode
}

func (p *Provider) endQuery(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	aborted := p.aborted
	if p.queryID == id {
		p.cancel = nil
		p.aborted = false
	}
	return aborted
}

type wireEvent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Content   string         `json:"content"`
	Error     string         `json:"error"`
	SessionID string         `json:"session_id"`
}

func (p *Provider) Query(ctx context.Context, prompt string, emit func(provider.ContentBlock) error) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id, sessionID, mode := p.beginQuery(cancel)

	cmd := exec.CommandContext(qctx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(append(os.Environ(), p.cfg.Env...),
		EnvSessionID+"="+sessionID,
		EnvContextMode+"="+string(mode),
	)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.cfg.AbortGrace
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.endQuery(id)
		return errors.Wrap(err, "subprocess provider: stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		p.endQuery(id)
		return errors.Wrapf(err, "subprocess provider: start %s", p.cfg.Command)
	}
	p.logger.Debug().Int("pid", cmd.Process.Pid).Str("context_mode", string(mode)).Msg("agent started")

	var emitErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		block, ok := p.decodeLine(scanner.Bytes())
		if !ok {
			continue
		}
		if err := emit(block); err != nil {
			emitErr = err
			cancel()
			break
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	aborted := p.endQuery(id)

	switch {
	case emitErr != nil:
		return emitErr
	case aborted:
		return provider.ErrAborted
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "subprocess provider")
	case waitErr != nil:
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return errors.Wrapf(waitErr, "subprocess provider: agent failed: %s", tail)
		}
		return errors.Wrap(waitErr, "subprocess provider: agent failed")
	case scanErr != nil:
		return errors.Wrap(scanErr, "subprocess provider: read output")
	}
	return nil
}

// decodeLine maps one stdout line to a block. Session events update state and
// produce no block; lines that are not JSON are passed through as text.
func (p *Provider) decodeLine(line []byte) (provider.ContentBlock, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return provider.ContentBlock{}, false
	}
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return provider.TextBlock(string(line) + "\n"), true
	}
	switch provider.BlockKind(ev.Type) {
	case provider.BlockText:
		return provider.TextBlock(ev.Text), true
	case provider.BlockToolUse:
		return provider.ToolUseBlock(ev.Name, ev.Input), true
	case provider.BlockToolResult:
		return provider.ToolResultBlock(ev.Name, ev.Content), true
	case provider.BlockError:
		return provider.ErrorBlock(ev.Error), true
	}
	if ev.Type == "session" {
		if ev.SessionID != "" {
			p.SetSessionID(ev.SessionID)
		}
		return provider.ContentBlock{}, false
	}
	p.logger.Debug().Str("type", ev.Type).Msg("ignoring unknown agent event")
	return provider.ContentBlock{}, false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
