package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
)

const maxLineBytes = 1 << 20

// forwardLines copies r line by line into log records until r hits EOF.
// When tee is non-nil each line is also written there. Lines longer than
// maxLineBytes are cut to that length and marked truncated; forwarding goes
// on with the next line.
func forwardLines(r io.Reader, log *slog.Logger, stream string, tee io.Writer) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line []byte
		size int
	)
	emit := func(complete bool) {
		n := size
		if complete {
			n-- // newline
		}
		text := strings.TrimSuffix(string(line), "\n")
		if len(text) > maxLineBytes {
			text = text[:maxLineBytes]
		}
		text = strings.TrimRight(text, " \t\r")
		if n > maxLineBytes {
			log.Debug(text, "stream", stream, "truncated", true, "bytes", n)
		} else {
			log.Debug(text, "stream", stream)
		}
		if tee != nil {
			_, _ = io.WriteString(tee, text+"\n")
		}
		line, size = line[:0], 0
	}
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if room := maxLineBytes + 1 - len(line); room > 0 {
			line = append(line, chunk[:min(len(chunk), room)]...)
		}
		switch {
		case err == nil:
			emit(true)
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			if size > 0 {
				emit(false)
			}
			if !errors.Is(err, io.EOF) {
				log.Warn("engine output reader stopped", "stream", stream, "error", err)
			}
			log.Debug("engine output closed", "stream", stream)
			return
		}
	}
}
