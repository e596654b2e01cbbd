package channel

import "sync"

// Subscription is a consumer's registration on an Adapter, bound to the
// scope generation it was created in.
type Subscription struct {
	id       uint64
	name     string
	gen      uint64
	consumer Consumer
	adapter  *Adapter
	once     sync.Once
}

// Name returns the name given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Generation returns the scope generation the subscription is bound to.
func (s *Subscription) Generation() uint64 { return s.gen }

// Active reports whether the subscription still receives notifications.
func (s *Subscription) Active() bool { return s.adapter.active(s) }

// Close releases the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.adapter.unsubscribe(s.id) })
}

// With subscribes c for the duration of fn and releases the subscription on
// every exit path.
func With(a *Adapter, name string, c Consumer, fn func(*Subscription) error) error {
	sub, err := a.Subscribe(name, c)
	if err != nil {
		return err
	}
	defer sub.Close()
	return fn(sub)
}
