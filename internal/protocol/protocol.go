// Package protocol defines the JSON wire frames exchanged over the WebSocket
// channel and the validation of inbound requests.
//
// One JSON object per message. Inbound (client → service):
//
//	{"type":"ping","id"?:string}
//	{"type":"timer.list"}
//	{"type":"timer.cancel","id":string}
//	{"type":"timer.create","timer":{...}}
//
// Outbound (service → connections):
//
//	{"type":"hello","now":number,"ws":{"path":string,"port":number}}
//	{"type":"pong","id"?:string}                      unicast
//	{"type":"error","message":string,"requestType"?}  unicast
//	{"type":"timer.created","timer":TimerInfo}
//	{"type":"timer.canceled","id":string,"ok":bool}
//	{"type":"timer.fired","timer":TimerInfo,"firedAt":number}
//	{"type":"timer.list","timers":TimerInfo[]}
//	{"type":"timer.error","id"?:string,"message":string}
//
// The protocol is deliberately broadcast-only: create/cancel get no dedicated
// reply, their effect is observed by every subscriber (including the
// requester) through the resulting broadcast. Request correlation is layered
// on top by the caller (see pkg/client).
package protocol

import (
	"encoding/json"
	"fmt"

	"chime/internal/bus"
	"chime/internal/types"
)

// Frame types. The timer.* outbound types are shared with bus event kinds.
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeHello  = "hello"
	TypeError  = "error"
	TypeCreate = "timer.create"
	TypeCancel = "timer.cancel"
	TypeList   = "timer.list"

	TypeCreated    = bus.KindCreated
	TypeCanceled   = bus.KindCanceled
	TypeFired      = bus.KindFired
	TypeTimerError = bus.KindError
)

// ─── inbound ──────────────────────────────────────────────────────────────────

// Request is a parsed, validated inbound message.
type Request struct {
	Type     string
	PingID   string         // set for ping
	CancelID string         // set for timer.cancel
	Create   *CreateRequest // set for timer.create
}

// CreateRequest is the validated payload of a timer.create request.
type CreateRequest struct {
	Mode    types.Mode
	RunAt   int64
	EveryMs int64
	StartAt int64
	Task    types.Task
}

// RequestError describes why an inbound message was rejected. It is unicast
// back to the offending connection as an error frame; the connection stays
// open and nothing is broadcast.
type RequestError struct {
	// RequestType is the recognised request type the message claimed to be,
	// or empty when even that could not be determined.
	RequestType string
	Reason      string
}

func (e *RequestError) Error() string { return e.Reason }

func reqErr(requestType, format string, args ...any) *RequestError {
	return &RequestError{RequestType: requestType, Reason: fmt.Sprintf(format, args...)}
}

// wire shapes used only during decoding. Pointer fields distinguish
// "absent" from "zero" so required fields can be enforced.
type inboundEnvelope struct {
	Type  string          `json:"type"`
	ID    *string         `json:"id"`
	Timer json.RawMessage `json:"timer"`
}

type createWire struct {
	Mode    string    `json:"mode"`
	RunAt   *int64    `json:"runAt"`
	EveryMs *int64    `json:"everyMs"`
	StartAt *int64    `json:"startAt"`
	Task    *taskWire `json:"task"`
}

type taskWire struct {
	Type    string  `json:"type"`
	Message *string `json:"message"`
	Data    any     `json:"data"`
}

// ParseInbound parses raw as UTF-8 JSON and validates it against the
// recognised request kinds. On failure it returns a *RequestError suitable
// for echoing back to the sender.
func ParseInbound(raw []byte) (*Request, *RequestError) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, reqErr("", "invalid JSON: %v", err)
	}

	switch env.Type {
	case TypePing:
		req := &Request{Type: TypePing}
		if env.ID != nil {
			req.PingID = *env.ID
		}
		return req, nil

	case TypeList:
		return &Request{Type: TypeList}, nil

	case TypeCancel:
		if env.ID == nil || *env.ID == "" {
			return nil, reqErr(TypeCancel, "timer.cancel requires a non-empty id")
		}
		return &Request{Type: TypeCancel, CancelID: *env.ID}, nil

	case TypeCreate:
		create, err := parseCreate(env.Timer)
		if err != nil {
			return nil, err
		}
		return &Request{Type: TypeCreate, Create: create}, nil

	case "":
		return nil, reqErr("", `message has no "type" field`)

	default:
		return nil, reqErr("", "unknown request type %q", env.Type)
	}
}

func parseCreate(raw json.RawMessage) (*CreateRequest, *RequestError) {
	if len(raw) == 0 {
		return nil, reqErr(TypeCreate, `timer.create requires a "timer" object`)
	}
	var w createWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, reqErr(TypeCreate, "invalid timer object: %v", err)
	}

	mode := types.Mode(w.Mode)
	if !mode.Valid() {
		return nil, reqErr(TypeCreate, `timer.mode must be "once" or "interval"`)
	}

	if w.Task == nil {
		return nil, reqErr(TypeCreate, "timer.task is required")
	}
	taskType := types.TaskType(w.Task.Type)
	if !taskType.Valid() {
		return nil, reqErr(TypeCreate, `task.type must be "notify" or "log"`)
	}
	if w.Task.Message == nil {
		return nil, reqErr(TypeCreate, "task.message is required")
	}

	out := &CreateRequest{
		Mode: mode,
		Task: types.Task{
			Type:    taskType,
			Message: *w.Task.Message,
			Data:    w.Task.Data,
		},
	}

	switch mode {
	case types.ModeOnce:
		if w.RunAt == nil {
			return nil, reqErr(TypeCreate, "once timers require runAt")
		}
		out.RunAt = *w.RunAt
	case types.ModeInterval:
		if w.EveryMs == nil {
			return nil, reqErr(TypeCreate, "interval timers require everyMs")
		}
		out.EveryMs = *w.EveryMs
		if w.StartAt != nil {
			out.StartAt = *w.StartAt
		}
	}
	return out, nil
}

// ─── outbound ─────────────────────────────────────────────────────────────────

// Hello is sent once, unicast, to every freshly accepted connection.
type Hello struct {
	Type string `json:"type"` // "hello"
	Now  int64  `json:"now"`
	WS   WSInfo `json:"ws"`
}

// WSInfo tells the client where it is connected.
type WSInfo struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

// Pong is the unicast reply to a ping — the one exception to broadcast-only
// delivery besides error frames.
type Pong struct {
	Type string `json:"type"` // "pong"
	ID   string `json:"id,omitempty"`
}

// ErrorFrame is unicast to a connection whose message failed to parse or
// validate.
type ErrorFrame struct {
	Type        string `json:"type"` // "error"
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// TimerCreated broadcasts a successful create.
type TimerCreated struct {
	Type  string       `json:"type"` // "timer.created"
	Timer *types.Timer `json:"timer"`
}

// TimerCanceled broadcasts a cancel outcome, effective or not.
type TimerCanceled struct {
	Type string `json:"type"` // "timer.canceled"
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
}

// TimerFired broadcasts one firing.
type TimerFired struct {
	Type    string       `json:"type"` // "timer.fired"
	Timer   *types.Timer `json:"timer"`
	FiredAt int64        `json:"firedAt"`
}

// TimerList broadcasts the full live-timer snapshot.
type TimerList struct {
	Type   string         `json:"type"` // "timer.list"
	Timers []*types.Timer `json:"timers"`
}

// TimerError broadcasts a contained task failure.
type TimerError struct {
	Type    string `json:"type"` // "timer.error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// NewHello builds the greeting frame for a fresh connection.
func NewHello(now int64, path string, port int) Hello {
	return Hello{Type: TypeHello, Now: now, WS: WSInfo{Path: path, Port: port}}
}

// NewError builds the unicast error frame for a rejected request.
func NewError(err *RequestError) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: err.Reason, RequestType: err.RequestType}
}

// NewList builds a timer.list frame from a snapshot.
func NewList(timers []*types.Timer) TimerList {
	if timers == nil {
		timers = []*types.Timer{}
	}
	return TimerList{Type: TypeList, Timers: timers}
}

// EventFrame maps a scheduler event to its outbound broadcast frame.
// It returns false for event kinds that have no wire representation.
func EventFrame(e bus.Event) (any, bool) {
	switch e.Kind {
	case bus.KindCreated:
		return TimerCreated{Type: TypeCreated, Timer: e.Timer}, true
	case bus.KindCanceled:
		return TimerCanceled{Type: TypeCanceled, ID: e.ID, OK: e.OK}, true
	case bus.KindFired:
		return TimerFired{Type: TypeFired, Timer: e.Timer, FiredAt: e.FiredAt}, true
	case bus.KindError:
		return TimerError{Type: TypeTimerError, ID: e.ID, Message: e.Message}, true
	case bus.KindList:
		return NewList(e.Timers), true
	default:
		return nil, false
	}
}
