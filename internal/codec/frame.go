package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// Delimiter 每个报文以根元素结束标签结尾
const Delimiter = "</Message>"

// MaxFrameBytes 分帧缓冲上限, 按最大字符数的 UTF-8 最坏情况计算
const MaxFrameBytes = message.MaxMessageSize * utf8.UTFMax

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

var delimiter = []byte(Delimiter)

// FrameReader 按结束标签切分字节流, 返回的帧包含结束标签本身
type FrameReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxFrameBytes
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), max: max}
}

// ReadFrame 读取下一帧. 超出上限时返回 ErrFrameTooLarge, 此时流已无法继续同步
func (f *FrameReader) ReadFrame() ([]byte, error) {
	f.buf = f.buf[:0]
	for {
		chunk, err := f.r.ReadSlice('>')
		f.buf = append(f.buf, chunk...)
		if len(f.buf) > f.max {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			if bytes.HasSuffix(f.buf, delimiter) {
				frame := make([]byte, len(f.buf))
				copy(frame, f.buf)
				return frame, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(f.buf)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// WriteFrame 写出完整的一帧
func WriteFrame(w io.Writer, data []byte) error {
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}
