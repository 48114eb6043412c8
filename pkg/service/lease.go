package service

import (
	"sync"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
)

// served counts the Predict calls using a model. Once retired it takes no
// new calls and idle is closed when the last one releases.
type served struct {
	*datamodel.ResolvedModel

	mu      sync.Mutex
	refs    int
	retired bool
	idle    chan struct{}
}

func newServed(m *datamodel.ResolvedModel) *served {
	return &served{ResolvedModel: m, idle: make(chan struct{})}
}

// acquire fails when the model was retired after the caller loaded it.
func (p *served) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired {
		return false
	}
	p.refs++
	return true
}

func (p *served) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	if p.retired && p.refs == 0 {
		close(p.idle)
	}
}

// retire must be called once, after the model left the current pointer.
func (p *served) retire() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retired = true
	if p.refs == 0 {
		close(p.idle)
	}
	return p.idle
}
