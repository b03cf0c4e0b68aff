// Package feed implements the change-notification stream: subscription requests,
// inbound message decoding and the websocket transport.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks malformed or error-tagged inbound messages.
var ErrProtocol = errors.New("feed protocol error")

// ResourceKind is what a subscription listens to.
type ResourceKind string

const (
	ResourceTable  ResourceKind = "table"
	ResourceAction ResourceKind = "action"
)

// Target names a table (code, scope, table) or an action (account, action).
type Target struct {
	Kind    ResourceKind
	Account string
	Scope   string
	Name    string
}

func (t Target) String() string {
	if t.Kind == ResourceAction {
		return t.Account + "::" + t.Name
	}
	return t.Account + ":" + t.Scope + ":" + t.Name
}

// Request is an outbound subscription request.
type Request struct {
	Type       string      `json:"type"`
	ReqID      string      `json:"req_id"`
	Listen     bool        `json:"listen"`
	StartBlock int64       `json:"start_block,omitempty"`
	Data       interface{} `json:"data"`
}

type tableRowsData struct {
	Code      string `json:"code"`
	Scope     string `json:"scope"`
	TableName string `json:"table_name"`
	JSON      bool   `json:"json"`
}

type actionTracesData struct {
	Accounts    string `json:"accounts"`
	ActionNames string `json:"action_names"`
}

// NewRequest builds the request for target, replaying from resume. A zero resume
// point subscribes from the live head.
func NewRequest(reqID string, target Target, resume uint64) Request {
	req := Request{ReqID: reqID, Listen: true, StartBlock: int64(resume)}
	switch target.Kind {
	case ResourceAction:
		req.Type = "get_action_traces"
		req.Data = actionTracesData{Accounts: target.Account, ActionNames: target.Name}
	default:
		req.Type = "get_table_rows"
		req.Data = tableRowsData{Code: target.Account, Scope: target.Scope, TableName: target.Name, JSON: true}
	}
	return req
}

// Message is a decoded inbound frame.
type Message interface {
	RequestID() string
}

// Table delta steps. An undo reverts a change delivered earlier on a forked block.
const (
	StepNew  = "new"
	StepUndo = "undo"
	StepRedo = "redo"
)

// Table delta operations.
const (
	OpInsert = "ins"
	OpUpdate = "upd"
	OpRemove = "rem"
)

// TableDelta is a row change.
type TableDelta struct {
	ReqID    string
	BlockNum uint64
	Step     string
	Op       string
	Account  string
	Table    string
	Scope    string
	Key      string
	Old      json.RawMessage
	New      json.RawMessage
}

// Row returns the row the delta is about: the new row, or the old row for removals.
func (d TableDelta) Row() json.RawMessage {
	if d.Op == OpRemove {
		return d.Old
	}
	return d.New
}

// ActionTrace is an executed action.
type ActionTrace struct {
	ReqID    string
	BlockNum uint64
	TrxID    string
	Account  string
	Name     string
	Data     json.RawMessage
}

// Error is an error reported by the feed for a request.
type Error struct {
	ReqID   string
	Code    string
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("req %s: %s: %s", e.ReqID, e.Code, e.Message)
}

// Listening confirms a subscription.
type Listening struct {
	ReqID     string
	NextBlock uint64
}

// Other is any frame the engine does not act on (pings, progress, unlisten acks).
type Other struct {
	ReqID string
	Type  string
}

func (d TableDelta) RequestID() string  { return d.ReqID }
func (a ActionTrace) RequestID() string { return a.ReqID }
func (e Error) RequestID() string       { return e.ReqID }
func (l Listening) RequestID() string   { return l.ReqID }
func (o Other) RequestID() string       { return o.ReqID }

type envelope struct {
	Type  string          `json:"type"`
	ReqID string          `json:"req_id"`
	Data  json.RawMessage `json:"data"`
}

type rowPayload struct {
	JSON json.RawMessage `json:"json"`
}

type tableDeltaData struct {
	BlockNum uint64 `json:"block_num"`
	Step     string `json:"step"`
	DBOp     struct {
		Op      string      `json:"op"`
		Account string      `json:"account"`
		Table   string      `json:"table"`
		Scope   string      `json:"scope"`
		Key     string      `json:"key"`
		Old     *rowPayload `json:"old"`
		New     *rowPayload `json:"new"`
	} `json:"dbop"`
}

type actionTraceData struct {
	BlockNum uint64 `json:"block_num"`
	TrxID    string `json:"trx_id"`
	Trace    struct {
		Act struct {
			Account string          `json:"account"`
			Name    string          `json:"name"`
			Data    json.RawMessage `json:"data"`
		} `json:"act"`
	} `json:"trace"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listeningData struct {
	NextBlock uint64 `json:"next_block"`
}

// Decode parses one inbound frame into its typed message. Failures wrap ErrProtocol.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch env.Type {
	case "table_delta":
		var d tableDeltaData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: table_delta: %v", ErrProtocol, err)
		}
		msg := TableDelta{
			ReqID:    env.ReqID,
			BlockNum: d.BlockNum,
			Step:     d.Step,
			Op:       d.DBOp.Op,
			Account:  d.DBOp.Account,
			Table:    d.DBOp.Table,
			Scope:    d.DBOp.Scope,
			Key:      d.DBOp.Key,
		}
		if d.DBOp.Old != nil {
			msg.Old = d.DBOp.Old.JSON
		}
		if d.DBOp.New != nil {
			msg.New = d.DBOp.New.JSON
		}
		if msg.Step == "" {
			msg.Step = StepNew
		}
		if len(msg.Row()) == 0 && msg.Step != StepUndo {
			return nil, fmt.Errorf("%w: table_delta %s without row", ErrProtocol, env.ReqID)
		}
		return msg, nil
	case "action_trace":
		var d actionTraceData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: action_trace: %v", ErrProtocol, err)
		}
		return ActionTrace{
			ReqID:    env.ReqID,
			BlockNum: d.BlockNum,
			TrxID:    d.TrxID,
			Account:  d.Trace.Act.Account,
			Name:     d.Trace.Act.Name,
			Data:     d.Trace.Act.Data,
		}, nil
	case "error":
		var d errorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: error frame: %v", ErrProtocol, err)
		}
		return Error{ReqID: env.ReqID, Code: d.Code, Message: d.Message}, nil
	case "listening":
		var d listeningData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return nil, fmt.Errorf("%w: listening: %v", ErrProtocol, err)
			}
		}
		return Listening{ReqID: env.ReqID, NextBlock: d.NextBlock}, nil
	case "":
		return nil, fmt.Errorf("%w: frame without type", ErrProtocol)
	default:
		return Other{ReqID: env.ReqID, Type: env.Type}, nil
	}
}
