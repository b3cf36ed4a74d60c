package cas

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/jacktea/castore/pkg/xerrors"
)

// DefaultChunkSize splits large blobs into 4 MiB pieces.
const DefaultChunkSize = 4 << 20

// ChunkOptions control how PutChunked splits and stores a stream.
type ChunkOptions struct {
	// ChunkSize is the maximum bytes per chunk. Zero picks DefaultChunkSize.
	ChunkSize int64
	// Concurrency bounds the chunk puts in flight. Values below 1 run
	// sequentially.
	Concurrency int
	// Meta is carried into every chunk's key derivation.
	Meta Metadata
}

// Manifest lists the chunks a large blob was split into, in stream order.
// Chunks are content addressed individually, so identical pieces of
// different blobs collapse onto shared entries.
type Manifest struct {
	Chunks []Info `json:"chunks"`
	Size   int64  `json:"size"`
}

// PutChunked stores src as a sequence of fixed-size chunks, each an ordinary
// content-addressed put, and returns the manifest needed to reassemble them.
// A failing source aborts the operation and is returned unwrapped; chunks
// already stored stay behind for the temporary-key sweeper or later reuse.
func (c *CAS) PutChunked(ctx context.Context, src io.Reader, opts ChunkOptions) (Manifest, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		chunks []Info
		total  int64
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(workers).WithCancelOnError().WithFirstError()

	buf := make([]byte, chunkSize)
	var srcErr error
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			srcErr = err
			break
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			idx := index
			total += int64(n)
			p.Go(func(ctx context.Context) error {
				info, perr := c.Put(ctx, bytes.NewReader(data), opts.Meta)
				if perr != nil {
					return perr
				}
				mu.Lock()
				for len(chunks) <= idx {
					chunks = append(chunks, Info{})
				}
				chunks[idx] = info
				mu.Unlock()
				return nil
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			srcErr = err
			break
		}
	}
	putErr := p.Wait()
	if srcErr != nil {
		return Manifest{}, srcErr
	}
	if putErr != nil {
		return Manifest{}, putErr
	}
	return Manifest{Chunks: chunks, Size: total}, nil
}

// ConcatTo reassembles a chunked blob into w, fetching up to concurrency
// chunks in parallel and placing each at its manifest offset. It returns the
// total bytes written.
func (c *CAS) ConcatTo(ctx context.Context, m Manifest, w io.WriterAt, concurrency int) (int64, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	offsets := make([]int64, len(m.Chunks))
	var total int64
	for i, chunk := range m.Chunks {
		offsets[i] = total
		total += chunk.Size
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(concurrency).WithCancelOnError().WithFirstError()
	for i, chunk := range m.Chunks {
		i, chunk := i, chunk
		p.Go(func(ctx context.Context) error {
			data, err := c.ReadFile(ctx, chunk)
			if err != nil {
				return err
			}
			if int64(len(data)) != chunk.Size {
				return xerrors.E(xerrors.KindInternal, "cas.ConcatTo", string(chunk.Key))
			}
			_, err = w.WriteAt(data, offsets[i])
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}
