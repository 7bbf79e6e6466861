package llm

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	xerrors "AgentHub-Chain/internal/errors"
)

const maxLineBytes = 1024 * 1024

// LineDecoder 将一行响应解码为事件。skip 为 true 时忽略该行。
type LineDecoder func(line []byte) (chunk Chunk, skip bool, err error)

// LineStream 按行读取响应体，适用于 SSE 与 NDJSON 两种格式。
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  LineDecoder
	done    atomic.Bool
	once    sync.Once
}

// NewLineStream 创建按行解码的流。
func NewLineStream(body io.ReadCloser, decode LineDecoder) *LineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &LineStream{body: body, scanner: scanner, decode: decode}
}

// Recv 实现 ChunkStream。
func (s *LineStream) Recv() (Chunk, error) {
	for {
		if s.done.Load() {
			return Chunk{}, io.EOF
		}
		if !s.scanner.Scan() {
			s.done.Store(true)
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "读取补全流失败")
			}
			return Chunk{}, io.EOF
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk, skip, err := s.decode(line)
		if err != nil {
			s.done.Store(true)
			return Chunk{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "补全流返回错误")
		}
		if skip {
			continue
		}
		if chunk.Done {
			s.done.Store(true)
			if chunk.Text == "" {
				return Chunk{}, io.EOF
			}
		}
		return chunk, nil
	}
}

// Close 实现 ChunkStream。
func (s *LineStream) Close() error {
	var err error
	s.once.Do(func() {
		s.done.Store(true)
		err = s.body.Close()
	})
	return err
}

// StatusError 根据 HTTP 状态码构造上游错误。
func StatusError(provider string, status int, body []byte) error {
	return xerrors.New(xerrors.CodeUpstreamUnavailable,
		fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, string(body)),
		xerrors.WithMetadata("provider", provider),
	)
}
