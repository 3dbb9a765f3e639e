package ipc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/user/claudedeck/internal/engine"
	"github.com/user/claudedeck/internal/protocol"
)

// Dispatcher routes one parsed request to the engine and shapes the
// response. It is shared by every connection (and the websocket
// bridge); all state lives in the engine.
type Dispatcher struct {
	eng *engine.Engine
}

func NewDispatcher(eng *engine.Engine) *Dispatcher {
	return &Dispatcher{eng: eng}
}

// DispatchLine parses a raw frame and executes it. A parse failure
// yields the -32700 response with id 0; the connection stays usable.
func (d *Dispatcher) DispatchLine(line []byte) protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return protocol.Err(0, protocol.CodeParseError, fmt.Sprintf("parse error: %v", err))
	}
	return d.Dispatch(req)
}

func (d *Dispatcher) Dispatch(req protocol.Request) protocol.Response {
	switch req.Method {
	case "daemon.ping":
		return protocol.OK(req.ID, map[string]string{"status": "ok"})

	case "session.list":
		return protocol.OK(req.ID, protocol.SessionListResult{Sessions: d.eng.Sessions()})

	case "session.create":
		var p protocol.CreateSessionParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		sess, err := d.eng.Create(p.Name, p.Dir, p.GroupID)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SessionResult{Session: sess})

	case "session.stop":
		var p protocol.SessionIDParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		if err := d.eng.Stop(p.SessionID); err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SuccessResult{Success: true})

	case "session.restart":
		var p protocol.RestartSessionParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		sess, err := d.eng.Restart(p.SessionID, p.Rows, p.Cols)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SessionResult{Session: sess})

	case "session.delete":
		var p protocol.SessionIDParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		if err := d.eng.Delete(p.SessionID); err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SuccessResult{Success: true})

	case "session.fork":
		var p protocol.ForkSessionParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		sess, err := d.eng.Fork(p.SessionID, p.NewName, p.GroupID, p.Rows, p.Cols)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SessionResult{Session: sess})

	case "session.update":
		var p protocol.UpdateSessionParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		sess, err := d.eng.Update(p.SessionID, p.Name, p.GroupID)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SessionResult{Session: sess})

	case "session.input":
		var p protocol.SessionInputParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		// Input is base64 to keep the framing textual; tolerate raw
		// text from hand-driven clients.
		data, err := base64.StdEncoding.DecodeString(p.Input)
		if err != nil {
			data = []byte(p.Input)
		}
		if err := d.eng.Input(p.SessionID, data); err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SuccessResult{Success: true})

	case "session.resize":
		var p protocol.SessionResizeParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		if err := d.eng.Resize(p.SessionID, p.Rows, p.Cols); err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SuccessResult{Success: true})

	case "session.reorder":
		var p protocol.ReorderSessionParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		sess, err := d.eng.Reorder(p.SessionID, p.GroupID, p.AfterSessionID)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SessionResult{Session: sess})

	case "session.activity":
		var p protocol.ActivityParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return protocol.Err(req.ID, protocol.CodeInvalidParams,
					fmt.Sprintf("invalid params: %v", err))
			}
		}
		entries, err := d.eng.Activity(p.SessionID, p.Limit)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.ActivityResult{Entries: entries})

	case "group.list":
		return protocol.OK(req.ID, protocol.GroupListResult{Groups: d.eng.Groups()})

	case "group.create":
		var p protocol.CreateGroupParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		g, err := d.eng.CreateGroup(p.Name, p.ParentID)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.GroupResult{Group: g})

	case "group.update":
		var p protocol.UpdateGroupParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		g, err := d.eng.UpdateGroup(p.GroupID, p.Name, p.ParentID, p.Collapsed)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.GroupResult{Group: g})

	case "group.delete":
		var p protocol.GroupIDParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		if err := d.eng.DeleteGroup(p.GroupID); err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.SuccessResult{Success: true})

	case "group.reorder":
		var p protocol.ReorderGroupParams
		if resp, ok := decode(req, &p); !ok {
			return resp
		}
		g, err := d.eng.ReorderGroup(p.GroupID, p.ParentID, p.AfterGroupID)
		if err != nil {
			return execErr(req.ID, err)
		}
		return protocol.OK(req.ID, protocol.GroupResult{Group: g})

	default:
		return protocol.Err(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

func decode(req protocol.Request, dst interface{}) (protocol.Response, bool) {
	if len(req.Params) == 0 {
		return protocol.Err(req.ID, protocol.CodeInvalidParams, "missing params"), false
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return protocol.Err(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("invalid params: %v", err)), false
	}
	return protocol.Response{}, true
}

// execErr maps engine failures onto the wire; the message leads with
// the error kind so clients can pattern-match without new codes.
func execErr(id uint64, err error) protocol.Response {
	return protocol.Err(id, protocol.CodeExecution, err.Error())
}
