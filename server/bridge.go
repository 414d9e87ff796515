package server

import (
	"encoding/json"
	"net/http"

	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"google.golang.org/grpc/codes"

	"muxrpc/codec"
	"muxrpc/service"
)

// InvokeArgs are the params of a JSON-RPC "Command.Invoke" request. The
// action is chosen by name when one is given, by command id otherwise.
//
//	{"jsonrpc": "2.0", "id": 1, "method": "Command.Invoke",
//	 "params": {"command": 3, "params": {"a": 1, "b": 2}}}
type InvokeArgs struct {
	Command uint32          `json:"command,omitempty"`
	Name    string          `json:"name,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InvokeReply marshals as the bare action result.
type InvokeReply struct {
	Result any
}

func (r InvokeReply) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Result)
}

// commandService exposes every registered action through gorilla/rpc.
type commandService struct {
	s *Server
}

func newBridge(s *Server) (http.Handler, error) {
	rs := rpc.NewServer()
	rs.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rs.RegisterService(&commandService{s: s}, "Command"); err != nil {
		return nil, err
	}
	return rs, nil
}

func (c *commandService) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	desc, ok := c.resolve(args)
	if !ok {
		return &json2.Error{
			Code:    json2.E_NO_METHOD,
			Message: "no such action",
			Data:    map[string]any{"code": uint32(codes.Unimplemented)},
		}
	}
	// Params go through the payload codec so numbers stay json.Number.
	payload, err := codec.Default().Decode(args.Params)
	if err != nil {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
	}

	sess, release := c.s.httpSession(r)
	defer release()
	result, err := c.s.dispatcher.Execute(r.Context(), sess, desc, payload)
	if err != nil {
		e := service.Describe(err)
		code := json2.E_SERVER
		if e.Code == codes.InvalidArgument {
			code = json2.E_BAD_PARAMS
		}
		data := map[string]any{"code": uint32(e.Code)}
		if e.Data != nil {
			data["data"] = e.Data
		}
		return &json2.Error{Code: code, Message: e.Message, Data: data}
	}
	reply.Result = result
	return nil
}

func (c *commandService) resolve(args *InvokeArgs) (*service.Descriptor, bool) {
	var (
		desc *service.Descriptor
		ok   bool
	)
	if args.Name != "" {
		desc, ok = c.s.services.Lookup(args.Name)
	} else {
		desc, ok = c.s.services.Resolve(args.Command)
	}
	if !ok || desc.Role == service.RoleRemote {
		return nil, false
	}
	return desc, true
}
