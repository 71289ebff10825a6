package rpc

import (
	"context"
	"errors"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"alarmd/internal/bridge"
)

func (s *Service) methods() handler.Map {
	return handler.Map{
		"alarm.schedule": handler.New(s.alarmSchedule),
		"alarm.cancel":   handler.New(s.alarmCancel),
		"alarm.bind":     handler.New(s.alarmBind),
		"alarm.list":     handler.New(s.alarmList),
		"engine.idle":    handler.New(s.engineIdle),
		"session.status": handler.New(s.sessionStatus),
		"system.version": handler.New(s.systemVersion),
	}
}

// alarmSchedule registers an alarm. Apart from parameter validation it
// cannot fail: backend trouble is logged by the bridge, not surfaced here.
func (s *Service) alarmSchedule(_ context.Context, p *bridge.Request) (*EmptyResult, error) {
	if p.Repeating && p.IntervalMillis <= 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "repeating alarm requires a positive interval_millis"}
	}
	if p.StartMillis < 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "start_millis must not be negative"}
	}
	s.deps.Bridge.Schedule(*p)
	return &EmptyResult{}, nil
}

func (s *Service) alarmCancel(_ context.Context, p *CancelParams) (*EmptyResult, error) {
	s.deps.Bridge.Cancel(p.Code)
	return &EmptyResult{}, nil
}

func (s *Service) alarmBind(_ context.Context, p *BindParams) (*BindResult, error) {
	ok, err := s.deps.Bridge.BindContext(p.Handle)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrUnresolvedHandle):
			return nil, &jrpc2.Error{Code: codeUnresolvedHandle, Message: err.Error()}
		case errors.Is(err, bridge.ErrContextBound):
			return nil, &jrpc2.Error{Code: codeContextBound, Message: err.Error()}
		}
		return nil, err
	}
	return &BindResult{Bound: ok}, nil
}

func (s *Service) alarmList(_ context.Context) (*ListResult, error) {
	return &ListResult{Snapshot: s.deps.Engine.Snapshot()}, nil
}

// engineIdle flips the host idle state, deferring or releasing alarms that
// may not fire while idle.
func (s *Service) engineIdle(_ context.Context, p *IdleParams) (*EmptyResult, error) {
	s.deps.Engine.SetIdle(p.Idle)
	return &EmptyResult{}, nil
}

func (s *Service) sessionStatus(_ context.Context) (*StatusResult, error) {
	return &StatusResult{
		Session:       s.deps.Bridge.Stats(),
		EngineEnabled: s.deps.Engine.Enabled(),
		Idle:          s.deps.Engine.Idle(),
		Clients:       s.notif.Count(),
	}, nil
}

func (s *Service) systemVersion(_ context.Context) (*VersionInfo, error) {
	v := s.deps.Version
	return &v, nil
}
