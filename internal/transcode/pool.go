// Package transcode re-encodes downloaded images on a dedicated
// CPU-bound worker pool, keeping decode work off the scheduling
// goroutines.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"runtime"
	"sync"

	// Registered decoders for the formats sources actually serve.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrClosed is returned by Encode after Close.
var ErrClosed = errors.New("transcode pool closed")

// Result is a re-encoded image ready for upload.
type Result struct {
	Data        []byte
	Ext         string
	ContentType string
}

type job struct {
	data  []byte
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

// Pool runs a fixed set of encoder goroutines fed by a channel.
type Pool struct {
	jobs    chan job
	quality int
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewPool starts a pool. workers <= 0 means GOMAXPROCS; quality outside
// (0, 100] falls back to 80.
func NewPool(workers, quality int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	p := &Pool{
		jobs:    make(chan job),
		quality: quality,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		res, err := p.encode(j.data)
		j.reply <- outcome{res: res, err: err}
	}
}

func (p *Pool) encode(data []byte) (Result, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return Result{}, fmt.Errorf("encode %s as jpeg: %w", format, err)
	}
	return Result{
		Data:        buf.Bytes(),
		Ext:         "jpg",
		ContentType: "image/jpeg",
	}, nil
}

// Encode hands data to the pool and waits for the re-encoded result.
// A closed pool refuses new work instead of submitting it.
func (p *Pool) Encode(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("transcode submit: %w", err)
	}
	reply := make(chan outcome, 1)
	if err := p.submit(ctx, job{data: data, reply: reply}); err != nil {
		return Result{}, err
	}
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("transcode wait: %w", ctx.Err())
	case out := <-reply:
		return out.res, out.err
	}
}

// submit holds the read lock across the channel send so Close cannot
// close the channel under a blocked sender.
func (p *Pool) submit(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("transcode submit: %w", ctx.Err())
	case p.jobs <- j:
		return nil
	}
}

// Close stops accepting work and waits for in-flight encodes to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
