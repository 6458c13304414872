package server

import (
	"github.com/nrwiersma/renderfarm/farm/rpc"
)

// Events receives events reported by render nodes.
type Events struct {
	srv *Server
}

// Report handles a progress, completion or failure event.
func (e *Events) Report(req *rpc.EventRequest, _ *rpc.Empty) error {
	return e.srv.engine.Handle(req.Event)
}
