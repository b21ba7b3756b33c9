package tensor

// Scope collects tensors created during one operation, and releases all of
// them when closed, except those that were explicitly kept.
//
//	scope := arena.NewScope()
//	defer scope.Close()
//	a, err := scope.New(shape)
//	...
//	return scope.Keep(result), nil
type Scope struct {
	arena   *Arena
	tracked []*Tensor
	closed  bool
}

func (a *Arena) NewScope() *Scope {
	return &Scope{arena: a}
}

func (s *Scope) Arena() *Arena {
	return s.arena
}

// New allocates a zero-filled tensor that will be released when the scope closes
func (s *Scope) New(shape Shape) (*Tensor, error) {
	t, err := s.arena.New(shape)
	if err != nil {
		return nil, err
	}
	return s.Track(t), nil
}

// FromData allocates a tensor holding a copy of data, owned by the scope
func (s *Scope) FromData(shape Shape, data []float32) (*Tensor, error) {
	t, err := s.arena.FromData(shape, data)
	if err != nil {
		return nil, err
	}
	return s.Track(t), nil
}

// Track hands ownership of t to the scope
func (s *Scope) Track(t *Tensor) *Tensor {
	if s.closed {
		panic("tensor scope used after Close")
	}
	s.tracked = append(s.tracked, t)
	return t
}

// Keep removes t from the scope, so that it survives Close.
// The caller becomes responsible for releasing it.
func (s *Scope) Keep(t *Tensor) *Tensor {
	for i, x := range s.tracked {
		if x == t {
			s.tracked = append(s.tracked[:i], s.tracked[i+1:]...)
			return t
		}
	}
	return t
}

// Close releases every tensor still owned by the scope. Safe to call more than once.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.tracked) - 1; i >= 0; i-- {
		s.tracked[i].Release()
	}
	s.tracked = nil
}
