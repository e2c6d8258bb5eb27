// Package monitor implements C6: a QMP-style line-delimited JSON control
// channel. A client connects, receives a greeting, issues exactly one
// qmp_capabilities to leave the negotiation phase, and from then on may
// issue any command in the running table until it sends quit.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cloudwego/gopkg/bufiox"

	"github.com/xenblk/xenblk/internal/logging"
)

// Version is reported by query_version and the connection greeting.
const Version = "1.0.0"

// Command is one registered monitor command, keyed by its "execute" name.
type Command struct {
	Name string
	// Fn runs the command with its raw "arguments" object (nil if absent)
	// and returns the JSON-encodable value to place under "return", or an
	// error to report under "error".
	Fn func(m *Monitor, args json.RawMessage) (interface{}, error)
}

// commandError is returned by a Command's Fn to control the QMP error
// "class" field; any other error reports GenericError.
type commandError struct {
	class string
	desc  string
}

func (e *commandError) Error() string { return e.desc }

func newCommandError(class, format string, args ...interface{}) error {
	return &commandError{class: class, desc: fmt.Sprintf(format, args...)}
}

// Monitor is one connection's dispatch state: which table is active, and
// the lock serializing command execution. The original source's
// equivalent lock is a true OS-level recursive mutex (QemuRecMutex); none
// of the commands implemented here ever re-enters Dispatch while holding
// it, so a plain sync.Mutex is sufficient — see DESIGN.md's Open Question
// entry for the monitor lock.
type Monitor struct {
	mu        sync.Mutex
	running   bool // false: negotiation phase, true: past qmp_capabilities
	quit      bool
	negotiate map[string]*Command
	commands  map[string]*Command
}

// New returns a Monitor in the negotiation phase with the built-in command
// table registered.
func New() *Monitor {
	m := &Monitor{
		negotiate: map[string]*Command{},
		commands:  map[string]*Command{},
	}
	m.negotiate["qmp_capabilities"] = &Command{Name: "qmp_capabilities", Fn: cmdCapabilities}
	for _, c := range []*Command{
		{Name: "query_version", Fn: cmdQueryVersion},
		{Name: "query_commands", Fn: cmdQueryCommands},
		{Name: "quit", Fn: cmdQuit},
	} {
		m.commands[c.Name] = c
	}
	return m
}

// Register installs a running-phase command, for callers embedding this
// monitor with domain-specific commands beyond the built-in four.
func (m *Monitor) Register(c *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[c.Name] = c
}

// Quit reports whether this connection's Serve loop ended because the
// client issued "quit", as opposed to closing the connection itself. A
// loop embedding this monitor uses it to tell the two apart: the latter
// is just one client going away, the former means shut down.
func (m *Monitor) Quit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quit
}

// greeting is the object a client receives immediately on connect, before
// any request is read.
type greeting struct {
	QMP struct {
		Version struct {
			Package string `json:"package"`
			QMP     string `json:"qmp"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

func newGreeting() greeting {
	var g greeting
	g.QMP.Version.Package = "xenblk"
	g.QMP.Version.QMP = Version
	g.QMP.Capabilities = []string{}
	return g
}

type request struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Id        json.RawMessage `json:"id,omitempty"`
}

type response struct {
	Return interface{}     `json:"return,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
	Id     json.RawMessage `json:"id,omitempty"`
}

type errorBody struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Serve runs one connection's full lifecycle: greeting, then a
// read-dispatch-write loop until quit or the peer closes the connection.
// Each call starts in the negotiation phase. It returns nil on a clean
// quit or EOF, or the first unrecoverable I/O error otherwise.
func (m *Monitor) Serve(rw io.ReadWriter) error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	w := newLineWriter(bufiox.NewDefaultWriter(rw))
	if err := w.writeJSON(newGreeting()); err != nil {
		return err
	}

	r := bufiox.NewDefaultReader(rw)
	for {
		line, err := readLine(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp := m.dispatch(line)
		if err := w.writeJSON(resp); err != nil {
			return err
		}
		if m.quit {
			return nil
		}
	}
}

// dispatch parses and executes one request line under the monitor's
// dispatch lock, matching a true recursive-mutex-guarded monitor_lock
// except that nothing here recurses.
func (m *Monitor) dispatch(line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{Error: &errorBody{Class: "GenericError", Desc: "invalid JSON: " + err.Error()}}
	}
	if req.Execute == "" {
		return response{Error: &errorBody{Class: "GenericError", Desc: "missing \"execute\""}, Id: req.Id}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cmd *Command
	var lookupErr error
	if !m.running {
		cmd = m.negotiate[req.Execute]
		if cmd == nil {
			lookupErr = newCommandError("CommandNotFound", "command %q not available before qmp_capabilities", req.Execute)
		}
	} else {
		cmd = m.commands[req.Execute]
		if cmd == nil {
			lookupErr = newCommandError("CommandNotFound", "unknown command %q", req.Execute)
		}
	}
	if lookupErr != nil {
		return response{Error: toErrorBody(lookupErr), Id: req.Id}
	}

	ret, err := cmd.Fn(m, req.Arguments)
	if err != nil {
		logging.Debug("monitor command failed", "command", req.Execute, "error", err)
		return response{Error: toErrorBody(err), Id: req.Id}
	}
	return response{Return: ret, Id: req.Id}
}

// toErrorBody converts an error into the QMP error object, preserving
// the command-specific "class" when one was set via newCommandError.
func toErrorBody(err error) *errorBody {
	class := "GenericError"
	if ce, ok := err.(*commandError); ok {
		class = ce.class
	}
	return &errorBody{Class: class, Desc: err.Error()}
}

func cmdCapabilities(m *Monitor, _ json.RawMessage) (interface{}, error) {
	// The per-capability application loop is compiled out in the
	// original (#if 0 around qmp_qmp_capabilities' body): the capability
	// list, if any, is validated as JSON and otherwise ignored.
	m.running = true
	return struct{}{}, nil
}

func cmdQueryVersion(m *Monitor, _ json.RawMessage) (interface{}, error) {
	return map[string]string{"qemu": Version, "package": "xenblk"}, nil
}

func cmdQueryCommands(m *Monitor, _ json.RawMessage) (interface{}, error) {
	names := make([]string, 0, len(m.commands))
	for name := range m.commands {
		names = append(names, name)
	}
	return names, nil
}

func cmdQuit(m *Monitor, _ json.RawMessage) (interface{}, error) {
	m.quit = true
	return struct{}{}, nil
}
