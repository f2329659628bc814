package logging

import "io"

type teeWriter struct {
	writers []io.Writer
}

func newTeeWriter(writers ...io.Writer) io.Writer {
	return &teeWriter{writers: writers}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	for _, w := range t.writers {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
