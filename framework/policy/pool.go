/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package policy

import (
	"context"
	"sync/atomic"
)

// Pool is a set of equivalent policy instances behind the Instance
// interface.
//
// Runtimes whose instances cannot execute hooks concurrently are handed to
// the core as a Pool: calls are spread round-robin and each member runs at
// most as concurrently as it allows itself to. The core does not care, it
// sees one fungible Instance.
type Pool struct {
	instances []Instance
	next      atomic.Uint32
}

// NewPool creates size instances using the factory. On any failure the
// already-created instances are closed and the error is returned.
func NewPool(size int, factory func() (Instance, error)) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{instances: make([]Instance, 0, size)}
	for i := 0; i < size; i++ {
		inst, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.instances = append(p.instances, inst)
	}
	return p, nil
}

func (p *Pool) Invoke(ctx context.Context, hook string, request []byte) ([]byte, error) {
	n := p.next.Add(1)
	inst := p.instances[int(n-1)%len(p.instances)]
	return inst.Invoke(ctx, hook, request)
}

func (p *Pool) Close() error {
	var last error
	for _, inst := range p.instances {
		if err := inst.Close(); err != nil {
			last = err
		}
	}
	return last
}
