package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// ScanLines reads r until EOF and calls fn once per line with the line
// terminator ("\n" or "\r\n") removed. A final line without a terminator is
// still delivered. Invalid UTF-8 is replaced rather than dropped, and a
// multi-byte character split across reads is reassembled before decoding.
func ScanLines(r io.Reader, fn func(line string)) error {
	if r == nil {
		return nil
	}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			fn(strings.ToValidUTF8(line, "�"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
