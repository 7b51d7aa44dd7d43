package runtime

import "context"

// BodyStream is a view of a Registration whose handler receives raw message
// bodies. Pause, Resume and Fetch act on the registration itself, so both
// views share one demand and one pending buffer.
type BodyStream struct {
	reg *Registration
}

// BodyStream returns the body view of r.
func (r *Registration) BodyStream() *BodyStream {
	return &BodyStream{reg: r}
}

// Registration returns the underlying consumer.
func (s *BodyStream) Registration() *Registration { return s.reg }

// Handler attaches h to the registration. A nil h unregisters it.
func (s *BodyStream) Handler(h func(ctx context.Context, body []byte) error) *BodyStream {
	if h == nil {
		s.reg.Handler(nil)
		return s
	}
	s.reg.Handler(func(ctx context.Context, msg *Message) error {
		return h(ctx, msg.Payload)
	})
	return s
}

func (s *BodyStream) Pause() *BodyStream {
	s.reg.Pause()
	return s
}

func (s *BodyStream) Resume() *BodyStream {
	s.reg.Resume()
	return s
}

func (s *BodyStream) Fetch(n int64) error {
	return s.reg.Fetch(n)
}

// EndHandler runs once the registration is unregistered.
func (s *BodyStream) EndHandler(fn func()) *BodyStream {
	s.reg.EndHandler(fn)
	return s
}

// ExceptionHandler is accepted for symmetry with Registration and ignored.
func (s *BodyStream) ExceptionHandler(fn func(error)) *BodyStream {
	s.reg.ExceptionHandler(fn)
	return s
}
