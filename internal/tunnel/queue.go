package tunnel

import (
	"net"
	"sync"
)

// writeQueueSize is the number of chunks buffered before writes are dropped.
const writeQueueSize = 2048

// maxBatchSize is the maximum number of chunks combined in one writev call.
const maxBatchSize = 64

// writeQueue decouples Tunnel.Write from the socket. Writes issued while the
// tunnel is still connecting wait in the queue until the write loop starts.
type writeQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newWriteQueue(size int) *writeQueue {
	if size <= 0 {
		size = writeQueueSize
	}
	return &writeQueue{ch: make(chan []byte, size)}
}

// push queues data without blocking.
func (q *writeQueue) push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *writeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// streamLoop drains the queue into a stream connection, batching pending
// chunks with net.Buffers. It returns on queue close or write error.
func (q *writeQueue) streamLoop(conn net.Conn, trafficFn func(int64)) error {
	bufs := make(net.Buffers, 0, maxBatchSize)

	for {
		data, ok := <-q.ch
		if !ok {
			return nil
		}
		bufs = append(bufs, data)

	drain:
		for len(bufs) < maxBatchSize {
			select {
			case data, ok := <-q.ch:
				if !ok {
					break drain
				}
				bufs = append(bufs, data)
			default:
				break drain
			}
		}

		// WriteTo consumes bufs, keep the backing array for the next batch.
		batch := bufs
		n, err := batch.WriteTo(conn)
		if n > 0 {
			trafficFn(n)
		}
		if err != nil {
			return err
		}
		clear(bufs)
		bufs = bufs[:0]
	}
}

// datagramLoop writes each queued chunk as its own datagram.
func (q *writeQueue) datagramLoop(conn net.Conn, trafficFn func(int64)) error {
	for data := range q.ch {
		n, err := conn.Write(data)
		if n > 0 {
			trafficFn(int64(n))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
