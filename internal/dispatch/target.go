package dispatch

import (
	"errors"
	"fmt"

	"github.com/nforgeio/LillTek-sub012/internal/endpoint"
	"github.com/nforgeio/LillTek-sub012/internal/routing"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

var ErrInvalidRegistration = errors.New("dispatch: invalid handler registration")

// Target is implemented by objects that publish message handlers. AddTarget
// walks the declarations instead of discovering methods by reflection.
type Target interface {
	MessageHandlers() []Registration
}

// Registration declares one handler on a target.
type Registration struct {
	// Physical registers a physical handler keyed by MsgType; Endpoint is
	// ignored.
	Physical bool

	// Endpoint is the logical URI the handler serves.
	Endpoint string

	// MsgType is the type ID the handler claims; empty claims the default
	// slot.
	MsgType string

	// Scope names a dynamic scope. A registration with a scope is skipped
	// unless a munger for that scope was supplied.
	Scope string

	Fn routing.HandlerFunc

	Session *session.HandlerInfo
}

// Munger rewrites a declared endpoint at registration time, letting one
// handler declaration serve per-instance endpoints.
type Munger interface {
	Scope() string
	Munge(declared *endpoint.EP, reg Registration) (*endpoint.EP, error)
}

// AddTarget registers every handler the target declares. Logical
// registrations are batched under one advertisement. A nil parser falls
// back to the default abstract map.
func (d *Dispatcher) AddTarget(obj Target, parser *endpoint.Parser, mungers []Munger, targetGroup any) error {
	if parser == nil {
		parser = endpoint.DefaultParser()
	}
	byScope := make(map[string]Munger, len(mungers))
	for _, m := range mungers {
		byScope[m.Scope()] = m
	}

	logicalAdded := false
	for _, reg := range obj.MessageHandlers() {
		if reg.Fn == nil {
			return fmt.Errorf("%w: nil handler func for %q", ErrInvalidRegistration, reg.Endpoint)
		}

		if reg.Physical {
			if err := d.AddPhysical(&routing.Handler{
				Target:  obj,
				Fn:      reg.Fn,
				MsgType: reg.MsgType,
				Session: reg.Session,
			}); err != nil {
				return err
			}
			continue
		}

		ep, err := parser.Parse(reg.Endpoint)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegistration, reg.Endpoint, err)
		}
		if reg.Scope != "" {
			munger, ok := byScope[reg.Scope]
			if !ok {
				continue
			}
			if ep, err = munger.Munge(ep, reg); err != nil {
				return fmt.Errorf("dispatch: munge %q: %w", reg.Endpoint, err)
			}
		}

		if err := d.AddLogical(ep, &routing.Handler{
			Target:  obj,
			Fn:      reg.Fn,
			MsgType: reg.MsgType,
			Session: reg.Session,
		}, targetGroup, true); err != nil {
			return err
		}
		logicalAdded = true
	}

	if logicalAdded {
		d.RefreshAdvertise()
	}
	return nil
}
