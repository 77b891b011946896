package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrWriterClosed 表示写入器已停止接收新的后台写入。
var ErrWriterClosed = errors.New("cache writer closed")

// PendingWrite 是一次后台写入的句柄，调用方可以选择等待或忽略。
type PendingWrite struct {
	Key    Key
	Bucket string

	done chan struct{}
	err  error
}

// Done 在写入结束（成功或失败）后关闭。
func (p *PendingWrite) Done() <-chan struct{} {
	return p.done
}

// Wait 等待写入完成并返回其结果；ctx 取消时提前返回 ctx.Err()。
func (p *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err 返回写入结果，写入尚未结束时返回 nil。
func (p *PendingWrite) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func finishedWrite(key Key, bucket string, err error) *PendingWrite {
	p := &PendingWrite{Key: key, Bucket: bucket, done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// BackgroundWriter 把"响应先返回、缓存随后落盘"的写入变成可追踪的后台任务。
type BackgroundWriter struct {
	bucket  Bucket
	onError func(Key, error)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBackgroundWriter 构造绑定到 bucket 的写入器，onError 可为空。
func NewBackgroundWriter(bucket Bucket, onError func(Key, error)) *BackgroundWriter {
	return &BackgroundWriter{bucket: bucket, onError: onError}
}

// Put 异步写入 resp，立即返回句柄。写入不受请求 ctx 取消影响。
func (w *BackgroundWriter) Put(key Key, resp *Response) *PendingWrite {
	w.mu.Lock()
	if w.closed || w.bucket == nil {
		w.mu.Unlock()
		return finishedWrite(key, w.bucketName(), ErrWriterClosed)
	}
	w.wg.Add(1)
	w.mu.Unlock()

	pending := &PendingWrite{Key: key, Bucket: w.bucket.Name(), done: make(chan struct{})}
	go func() {
		defer w.wg.Done()
		defer close(pending.done)
		pending.err = w.bucket.Put(context.Background(), key, resp)
		if pending.err != nil && w.onError != nil {
			w.onError(key, pending.err)
		}
	}()
	return pending
}

// Close 停止接收新的写入，并等待已调度的写入全部完成。
func (w *BackgroundWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Wait(ctx)
}

// Wait 等待当前已调度的写入完成。
func (w *BackgroundWriter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BackgroundWriter) bucketName() string {
	if w.bucket == nil {
		return ""
	}
	return w.bucket.Name()
}
