// Package simdevice simulates a Malcolm device on a transport. It answers requests addressed
// to its name, runs a stepped scan on "run", publishes subscription updates and can be told
// to fail, stay silent or fault.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-malcolm/internal/task"
	"github.com/arloliu/go-malcolm/logger"
	"github.com/arloliu/go-malcolm/message"
	"github.com/arloliu/go-malcolm/transport"
)

// Remote state tokens published by the simulator.
const (
	StateReady       = "Ready"
	StateConfiguring = "Configuring"
	StateArmed       = "Armed"
	StateRunning     = "Running"
	StatePaused      = "Paused"
	StateAborting    = "Aborting"
	StateAborted     = "Aborted"
	StateFinished    = "Finished"
	StateFault       = "Fault"
	StateDisabled    = "Disabled"
)

// Attribute names served by the simulator.
const (
	AttrState          = "state"
	AttrHealth         = "health"
	AttrCompletedSteps = "completedSteps"
	AttrTotalSteps     = "totalSteps"
)

// ConfigureParams is the value of a configure call.
type ConfigureParams struct {
	Steps int64 `json:"steps"`
}

// Config configures a Device.
type Config struct {
	Name         string
	CommandTopic string
	StatusTopic  string
	Codec        message.Codec
	// StepInterval is the time a simulated scan step takes. Defaults to 10ms.
	StepInterval time.Duration
	Logger       logger.Logger
}

type subscriberKey struct {
	replyTo string
	id      uint64
}

// Device is a simulated Malcolm device.
type Device struct {
	cfg     Config
	conn    transport.Conn
	sub     transport.Subscription
	logger  logger.Logger
	taskMgr *task.Manager

	mu             sync.Mutex
	state          string
	health         string
	totalSteps     int64
	completedSteps int64
	runReq         *message.Message
	subscribers    map[subscriberKey]string // attribute by subscription
	failures       map[message.Method]string
	silenced       map[message.Method]bool
	calls          map[message.Method]int
}

// New creates a simulated device publishing and listening on conn.
func New(conn transport.Conn, cfg Config) (*Device, error) {
	if conn == nil {
		return nil, errors.New("simdevice: nil transport connection")
	}
	if cfg.Name == "" {
		return nil, errors.New("simdevice: empty device name")
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = "malcolm.command"
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = "malcolm.status"
	}
	if cfg.Codec == nil {
		cfg.Codec = message.JSONCodec{}
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	d := &Device{
		cfg:         cfg,
		conn:        conn,
		logger:      cfg.Logger.With("simdevice", cfg.Name),
		state:       StateReady,
		health:      "OK",
		subscribers: make(map[subscriberKey]string),
		failures:    make(map[message.Method]string),
		silenced:    make(map[message.Method]bool),
		calls:       make(map[message.Method]int),
	}
	d.taskMgr = task.NewManager(context.Background(), d.logger)

	return d, nil
}

// Start subscribes to the command topic.
func (d *Device) Start() error {
	sub, err := d.conn.Subscribe(d.cfg.CommandTopic, d.onCommand)
	if err != nil {
		return fmt.Errorf("simdevice subscribe: %w", err)
	}
	d.sub = sub

	return nil
}

// Stop unsubscribes from the command topic and stops a running scan.
func (d *Device) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	d.taskMgr.Stop()
	d.taskMgr.Wait()
}

// State returns the current remote state token.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// CompletedSteps returns the number of completed scan steps.
func (d *Device) CompletedSteps() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.completedSteps
}

// Calls returns how many CALL requests for method were received.
func (d *Device) Calls(method message.Method) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[method]
}

// SubscriberCount returns the number of active subscriptions.
func (d *Device) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.subscribers)
}

// FailNext makes the next call of method answer with an ERROR reply carrying text.
func (d *Device) FailNext(method message.Method, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures[method] = text
}

// Silence makes calls of method go unanswered, or answered again when silent is false.
func (d *Device) Silence(method message.Method, silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.silenced[method] = silent
}

// SetHealth sets the value served for the health attribute.
func (d *Device) SetHealth(health string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.health = health
}

// InjectFault moves the device to Fault and broadcasts the state on the status topic.
func (d *Device) InjectFault(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopScanLocked("fault: " + text)
	d.state = StateFault

	endpoint := message.JoinEndpoint(d.cfg.Name, AttrState)
	for key, subscribed := range d.subscribers {
		if subscribed == AttrState {
			push := message.NewUpdate(key.id, endpoint, StateFault)
			push.Text = text
			d.publish(key.replyTo, push)
		}
	}

	push := message.NewUpdate(0, endpoint, StateFault)
	push.Text = text
	d.publish(d.cfg.StatusTopic, push)
}

// Broadcast publishes an unsolicited state push on the status topic without changing state.
func (d *Device) Broadcast(state string) {
	d.publish(d.cfg.StatusTopic, message.NewUpdate(0, message.JoinEndpoint(d.cfg.Name, AttrState), state))
}

func (d *Device) onCommand(_ string, payload []byte) {
	req, err := d.cfg.Codec.Decode(payload)
	if err != nil {
		d.logger.Warn("simdevice: bad request", "method", "onCommand", "error", err)
		return
	}

	if req.Type == message.TypeUnsubscribe {
		d.handleUnsubscribe(req)
		return
	}
	if req.DeviceName() != d.cfg.Name {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Type {
	case message.TypeGet:
		d.handleGetLocked(req)
	case message.TypeSubscribe:
		d.subscribers[subscriberKey{replyTo: req.ReplyTo, id: req.ID}] = req.Attribute()
		d.reply(req, message.NewReturn(req, d.attributeLocked(req.Attribute())))
	case message.TypeCall:
		d.handleCallLocked(req)
	default:
		d.reply(req, message.NewError(req, "unsupported request type "+req.Type.String()))
	}
}

func (d *Device) handleUnsubscribe(req *message.Message) {
	key := subscriberKey{replyTo: req.ReplyTo, id: req.ID}

	d.mu.Lock()
	_, ok := d.subscribers[key]
	delete(d.subscribers, key)
	d.mu.Unlock()

	// unsubscribe carries no endpoint, so only the owner of the subscription answers
	if ok {
		d.reply(req, message.NewReturn(req, nil))
	}
}

func (d *Device) handleGetLocked(req *message.Message) {
	attr := req.Attribute()
	value := d.attributeLocked(attr)
	if value == nil {
		d.reply(req, message.NewError(req, "no attribute "+attr))
		return
	}
	d.reply(req, message.NewReturn(req, value))
}

func (d *Device) attributeLocked(attr string) any {
	switch attr {
	case AttrState:
		return d.state
	case AttrHealth:
		return d.health
	case AttrCompletedSteps:
		return d.completedSteps
	case AttrTotalSteps:
		return d.totalSteps
	default:
		return nil
	}
}

func (d *Device) handleCallLocked(req *message.Message) {
	d.calls[req.Method]++

	if d.silenced[req.Method] {
		return
	}
	if text, ok := d.failures[req.Method]; ok {
		delete(d.failures, req.Method)
		d.reply(req, message.NewError(req, text))
		return
	}

	switch req.Method {
	case message.MethodValidate:
		d.reply(req, message.NewReturn(req, req.Value))

	case message.MethodConfigure:
		if !d.inLocked(StateReady, StateArmed, StateFinished, StateAborted) {
			d.reply(req, message.NewError(req, "cannot configure in state "+d.state))
			return
		}
		params := ConfigureParams{Steps: 10}
		if req.Value != nil || len(req.RawValue) > 0 {
			if err := req.DecodeValue(&params); err != nil {
				d.reply(req, message.NewError(req, "bad configure params: "+err.Error()))
				return
			}
		}
		d.setStateLocked(StateConfiguring)
		d.totalSteps = params.Steps
		d.completedSteps = 0
		d.setStateLocked(StateArmed)
		d.reply(req, message.NewReturn(req, nil))

	case message.MethodRun:
		if d.state != StateArmed {
			d.reply(req, message.NewError(req, "cannot run in state "+d.state))
			return
		}
		d.runReq = req
		d.setStateLocked(StateRunning)
		if err := d.taskMgr.StartInterval("sim-scan", d.step, d.cfg.StepInterval, false); err != nil {
			d.runReq = nil
			d.reply(req, message.NewError(req, err.Error()))
		}

	case message.MethodPause:
		if !d.inLocked(StateRunning, StatePaused, StateArmed) {
			d.reply(req, message.NewError(req, "cannot pause in state "+d.state))
			return
		}
		if req.Param == AttrCompletedSteps {
			if n, ok := req.ValueInt(); ok && n >= 0 && n <= d.totalSteps {
				d.completedSteps = n
				d.pushLocked(AttrCompletedSteps, n)
			}
		}
		d.setStateLocked(StatePaused)
		d.reply(req, message.NewReturn(req, nil))

	case message.MethodResume:
		if d.state != StatePaused {
			d.reply(req, message.NewError(req, "cannot resume in state "+d.state))
			return
		}
		if d.runReq == nil {
			// seeked before the run started
			d.setStateLocked(StateArmed)
		} else {
			d.setStateLocked(StateRunning)
		}
		d.reply(req, message.NewReturn(req, nil))

	case message.MethodAbort:
		d.setStateLocked(StateAborting)
		d.stopScanLocked("run aborted")
		d.setStateLocked(StateAborted)
		d.reply(req, message.NewReturn(req, nil))

	case message.MethodReset:
		d.stopScanLocked("run reset")
		d.setStateLocked(StateReady)
		d.reply(req, message.NewReturn(req, nil))

	case message.MethodDisable:
		d.stopScanLocked("device disabled")
		d.setStateLocked(StateDisabled)
		d.reply(req, message.NewReturn(req, nil))

	default:
		d.reply(req, message.NewError(req, "unsupported method"))
	}
}

// step advances a running scan by one step.
func (d *Device) step() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runReq == nil {
		return false
	}
	if d.state != StateRunning {
		return true
	}

	d.completedSteps++
	d.pushLocked(AttrCompletedSteps, d.completedSteps)

	if d.completedSteps < d.totalSteps {
		return true
	}

	req := d.runReq
	d.runReq = nil
	d.setStateLocked(StateFinished)
	d.reply(req, message.NewReturn(req, map[string]any{"state": StateFinished, "completedSteps": d.completedSteps}))

	return false
}

func (d *Device) stopScanLocked(reason string) {
	if d.runReq == nil {
		return
	}
	req := d.runReq
	d.runReq = nil
	_ = d.taskMgr.StopInterval("sim-scan")
	d.reply(req, message.NewError(req, reason))
}

func (d *Device) inLocked(states ...string) bool {
	for _, s := range states {
		if d.state == s {
			return true
		}
	}

	return false
}

func (d *Device) setStateLocked(state string) {
	if d.state == state {
		return
	}
	d.state = state
	d.pushLocked(AttrState, state)
}

func (d *Device) pushLocked(attr string, value any) {
	for key, subscribed := range d.subscribers {
		if subscribed == attr {
			d.publish(key.replyTo, message.NewUpdate(key.id, message.JoinEndpoint(d.cfg.Name, attr), value))
		}
	}
}

func (d *Device) reply(req *message.Message, msg *message.Message) {
	if req.ReplyTo == "" {
		d.logger.Warn("simdevice: request without reply topic", "method", "reply", "msg", req.String())
		return
	}
	d.publish(req.ReplyTo, msg)
}

func (d *Device) publish(topic string, msg *message.Message) {
	payload, err := d.cfg.Codec.Encode(msg)
	if err != nil {
		d.logger.Error("simdevice: encode failed", "method", "publish", "error", err)
		return
	}
	if err := d.conn.Publish(context.Background(), topic, payload); err != nil {
		d.logger.Warn("simdevice: publish failed", "method", "publish", "topic", topic, "error", err)
	}
}
