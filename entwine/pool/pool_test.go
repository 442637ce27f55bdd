package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abellgithub/entwine/entwine/types"
)

func TestDataPoolAcquireExactCount(t *testing.T) {
	p := NewDataPool(32)

	s := p.Acquire(10)
	assert.Equal(t, 10, s.Size())

	seen := 0
	for n := s.Pop(); n != nil; n = s.Pop() {
		assert.Len(t, n.Val(), 32)
		seen++
	}
	assert.Equal(t, 10, seen)
	assert.True(t, s.Empty())
}

func TestDataPoolRecycles(t *testing.T) {
	p := NewDataPool(16)

	s := p.Acquire(100)
	p.Release(&s)
	allocated := p.Allocated()

	s2 := p.Acquire(100)
	assert.Equal(t, allocated, p.Allocated(), "released slots are reused")
	p.Release(&s2)
}

func TestDataPoolSlotsAreDistinct(t *testing.T) {
	p := NewDataPool(8)
	s := p.Acquire(64)

	var nodes []*DataNode
	for n := s.Pop(); n != nil; n = s.Pop() {
		nodes = append(nodes, n)
	}
	for i, n := range nodes {
		n.Val()[0] = byte(i)
	}
	for i, n := range nodes {
		assert.Equal(t, byte(i), n.Val()[0], "slabs must not alias")
	}
}

func TestInfoPoolConstruct(t *testing.T) {
	dp := NewDataPool(28)
	ip := NewInfoPool()

	ds := dp.Acquire(1)
	is := ip.Acquire(1)
	dn := ds.Pop()
	in := is.Pop()

	p := types.Point{X: 1, Y: 2, Z: 3}
	in.Construct(p, dn)

	require.Equal(t, p, in.Val().Point)
	require.Same(t, dn, in.Val().Data)
}

func TestStackSplice(t *testing.T) {
	p := NewInfoPool()
	a := p.Acquire(3)
	b := p.Acquire(4)

	a.PushStack(&b)
	assert.Equal(t, 7, a.Size())
	assert.True(t, b.Empty())
}

func TestPoolsConcurrentAcquireRelease(t *testing.T) {
	pools := NewPools(28)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ds := pools.Data.Acquire(64)
				is := pools.Info.Acquire(64)
				pools.Data.Release(&ds)
				pools.Info.Release(&is)
			}
		}()
	}
	wg.Wait()

	s := pools.Data.Acquire(1)
	assert.Equal(t, 1, s.Size())
	pools.Data.Release(&s)
}
