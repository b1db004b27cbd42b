package router

import (
	"github.com/nforgeio/LillTek-sub012/internal/routing"
)

// Channel is an abstract transport attached to a router. Outbound, the
// router hands it encoded frames through the Link side; inbound, the
// transport feeds received frames to Router.Receive. The router never
// interprets transport details.
type Channel interface {
	routing.Link
	Close() error
}
