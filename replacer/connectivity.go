package replacer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/merge"
)

// Connectivity service names. FrameService is declared with the dispatcher.
const (
	RunService     = "docreplace_run"
	PartialService = "docreplace_partial"
)

// RegisterConnectivity registers the replacer handlers on a Router.
//
// Registered services:
//
//	docreplace_frame    traverse one isolated sub-document (FrameRequest)
//	docreplace_run      run a whole operation (Request)
//	docreplace_partial  report a sub-document's partial result (merge.Partial)
func (s *Service) RegisterConnectivity(router *connectivity.Router) {
	logged := func(name string, h connectivity.Handler) connectivity.Handler {
		return connectivity.Chain(
			connectivity.Recovery(s.logger),
			connectivity.Logging(s.logger, name),
		)(h)
	}
	router.RegisterLocal(FrameService, logged(FrameService, s.handleFrame))
	router.RegisterLocal(RunService, logged(RunService, s.handleRun))
	router.RegisterLocal(PartialService, logged(PartialService, s.handlePartial))
}

func (s *Service) handleFrame(ctx context.Context, payload []byte) ([]byte, error) {
	var req FrameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	resp, err := s.Frame(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (s *Service) handleRun(ctx context.Context, payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out, err := s.RunOperation(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// PartialReply is the docreplace_partial reply.
type PartialReply struct {
	Final    merge.Final `json:"final"`
	Complete bool        `json:"complete"`
}

func (s *Service) handlePartial(ctx context.Context, payload []byte) ([]byte, error) {
	var p merge.Partial
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	f, done, err := s.OnPartialResult(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(PartialReply{Final: f, Complete: done})
}
