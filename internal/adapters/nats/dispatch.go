package natsadapter

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// dispatcher runs jobs on a fixed set of workers. Jobs sharing a key always
// land on the same worker and run in submission order; different keys run in
// parallel.
type dispatcher struct {
	shards []chan func()
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newDispatcher(workers, depth int) *dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &dispatcher{
		shards: make([]chan func(), workers),
		quit:   make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan func(), depth)
		d.wg.Add(1)
		go d.run(d.shards[i])
	}
	return d
}

func (d *dispatcher) run(jobs <-chan func()) {
	defer d.wg.Done()
	for {
		select {
		case job := <-jobs:
			job()
		case <-d.quit:
			return
		}
	}
}

func shardOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// dispatch queues job behind earlier jobs of key. It blocks while the shard is
// full and returns false once the dispatcher is stopped.
func (d *dispatcher) dispatch(key string, job func()) bool {
	select {
	case <-d.quit:
		return false
	default:
	}
	select {
	case d.shards[shardOf(key, len(d.shards))] <- job:
		return true
	case <-d.quit:
		return false
	}
}

// stop waits for running jobs. Queued jobs are dropped.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
	d.wg.Wait()
}
