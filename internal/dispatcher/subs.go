package dispatcher

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/events"
	"github.com/stratonas/middled/internal/transport"
)

// handleSub services a sub frame: {msg:"sub", id, name, params?}.
func (d *Dispatcher) handleSub(c *transport.Conn, raw []byte) {
	f, err := transport.ParseFrame(raw)
	if err != nil {
		c.Send(transport.NosubFrame("", errorx.Convert(err)))
		return
	}
	if f.ID == "" || f.Name == "" {
		c.Send(transport.NosubFrame(f.ID, errorx.Validation("sub frame requires id and name", nil)))
		return
	}
	if authErr := d.authorizeSub(c); authErr != nil {
		c.Send(transport.NosubFrame(f.ID, authErr))
		return
	}

	filter, perr := filterx.Parse(f.Params)
	if perr != nil {
		c.Send(transport.NosubFrame(f.ID, errorx.Convert(perr)))
		return
	}
	if err := d.subscribe(c, f.ID, f.Name, filter); err != nil {
		c.Send(transport.NosubFrame(f.ID, errorx.Convert(err)))
	}
}

// handleUnsub services an unsub frame. Unsubscribing twice is a no-op;
// the nosub confirmation is sent either way.
func (d *Dispatcher) handleUnsub(c *transport.Conn, raw []byte) {
	f, err := transport.ParseFrame(raw)
	if err != nil || f.ID == "" {
		return
	}
	d.unsubscribe(c, f.ID)
	c.Send(transport.NosubFrame(f.ID, nil))
}

// authorizeSub gates event subscriptions the same way as method calls:
// any authenticated session may subscribe.
func (d *Dispatcher) authorizeSub(c *transport.Conn) *errorx.CallError {
	if !c.Session.Authenticated() {
		return errorx.Unauthorized()
	}
	return nil
}

// subscribe binds the connection to a stream. The bus subscription id is
// namespaced by connection so client-chosen ids cannot collide.
func (d *Dispatcher) subscribe(c *transport.Conn, clientID, stream string, filter filterx.Filter) error {
	busID := c.ID + "/" + clientID

	deliver := func(_ *events.Subscription, ev *events.Event) {
		c.Send(transport.EventFrame(ev.Kind, ev.Stream, ev.ID, ev.Fields))
		d.metrics.EventDelivered()
	}
	onClosed := func(_ *events.Subscription, cause *errorx.CallError) {
		d.mu.Lock()
		if st := d.conns[c.ID]; st != nil {
			delete(st.subs, clientID)
		}
		d.mu.Unlock()
		if cause != nil {
			c.Send(transport.NosubFrame(clientID, cause))
		}
	}

	if _, err := d.bus.Subscribe(busID, c.ID, stream, filter, deliver, onClosed); err != nil {
		return err
	}

	d.mu.Lock()
	if st := d.conns[c.ID]; st != nil {
		st.subs[clientID] = busID
	}
	d.mu.Unlock()

	d.logger.Debug("subscription created",
		zap.String("conn_id", c.ID),
		zap.String("stream", stream),
		zap.String("sub_id", clientID))
	return nil
}

// unsubscribe removes a subscription; unknown ids are ignored.
func (d *Dispatcher) unsubscribe(c *transport.Conn, clientID string) {
	d.mu.Lock()
	busID, ok := "", false
	if st := d.conns[c.ID]; st != nil {
		busID, ok = st.subs[clientID]
		delete(st.subs, clientID)
	}
	d.mu.Unlock()
	if ok {
		d.bus.Unsubscribe(busID)
	}
}

// subscribeGenerated backs core.subscribe: the server picks the id.
func (d *Dispatcher) subscribeGenerated(connID, stream string, filter filterx.Filter) (string, error) {
	d.mu.Lock()
	st := d.conns[connID]
	d.mu.Unlock()
	if st == nil {
		return "", errorx.NotFound("connection %q is gone", connID)
	}
	id := uuid.NewString()
	if err := d.subscribe(st.conn, id, stream, filter); err != nil {
		return "", err
	}
	return id, nil
}
